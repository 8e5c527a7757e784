package browser

import (
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockRequests fails every request whose URL matches one of patterns so
// tracking and analytics calls never reach the network or delay the idle
// wait. The returned router must be stopped when the page closes.
func blockRequests(page *rod.Page, patterns []string) (*rod.HijackRouter, error) {
	router := page.HijackRequests()
	for _, pattern := range patterns {
		err := router.Add(pattern, "", func(h *rod.Hijack) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
		})
		if err != nil {
			_ = router.Stop()
			return nil, err
		}
	}
	go router.Run()
	return router, nil
}
