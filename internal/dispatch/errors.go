package dispatch

import "errors"

// Sentinel errors for the dispatch core.
var (
	ErrAlreadyPaused = errors.New("campaign is already paused")
	ErrInvalidWindow = errors.New("invalid campaign delivery window")
	ErrNotPaused     = errors.New("campaign is not paused")
	ErrCampaignGone  = errors.New("campaign not found")
	ErrOrgGone       = errors.New("organization not found")
	ErrEmailGone     = errors.New("email not found")
)
