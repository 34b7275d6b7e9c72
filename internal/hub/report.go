package hub

import (
	"medchat/pkg/interfaces"
	"medchat/pkg/types"
)

// DeliveryStatus summarises what happened for one target user.
type DeliveryStatus string

const (
	// StatusDelivered means at least one of the user's channels accepted the payload.
	StatusDelivered DeliveryStatus = "delivered"
	// StatusNoActiveChannels means the user had nothing registered. This is
	// the ordinary offline case, not a failure.
	StatusNoActiveChannels DeliveryStatus = "no_active_channels"
	// StatusChannelFailed means every channel the user had was dead.
	StatusChannelFailed DeliveryStatus = "channel_failed"
)

type ChannelOutcome struct {
	Channel interfaces.Channel
	Err     error
}

type TargetOutcome struct {
	User     types.UserID
	Status   DeliveryStatus
	Channels []ChannelOutcome
}

// Report is the per-target result of one delivery call.
type Report struct {
	Targets []TargetOutcome
}

// Outcome returns the entry for user.
func (r *Report) Outcome(user types.UserID) (TargetOutcome, bool) {
	for _, t := range r.Targets {
		if t.User == user {
			return t, true
		}
	}
	return TargetOutcome{}, false
}

// Sent counts channels that accepted the payload.
func (r *Report) Sent() int {
	n := 0
	for _, t := range r.Targets {
		for _, c := range t.Channels {
			if c.Err == nil {
				n++
			}
		}
	}
	return n
}

// Failed counts channels dropped because their send failed.
func (r *Report) Failed() int {
	n := 0
	for _, t := range r.Targets {
		for _, c := range t.Channels {
			if c.Err != nil {
				n++
			}
		}
	}
	return n
}

func statusOf(channels []ChannelOutcome) DeliveryStatus {
	if len(channels) == 0 {
		return StatusNoActiveChannels
	}
	for _, c := range channels {
		if c.Err == nil {
			return StatusDelivered
		}
	}
	return StatusChannelFailed
}
