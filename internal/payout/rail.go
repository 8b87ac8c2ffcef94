package payout

import (
	"context"

	"github.com/seantiz/escrowd/internal/model"
)

// Rail is the interface that all payout rails must implement.
type Rail interface {
	// Send delivers one payout. It must be safe to call again for a payout
	// whose earlier delivery outcome is unknown.
	Send(ctx context.Context, p model.Payout) error

	// Capabilities describes the rail.
	Capabilities() RailCapabilities
}

// RailCapabilities describes what a rail does with a payout.
type RailCapabilities struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	External    bool   `json:"external"`
}
