// Package base defines the mobile base the pickup behaviour drives.
package base

import (
	"context"

	"github.com/golang/geo/r3"
)

// A Base is a mobile platform commanded by body velocity.
type Base interface {
	// SetVelocity commands linear velocity in m/s and angular velocity in rad/s. Only
	// linear X/Y and angular Z are meaningful for a planar base.
	SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error

	// Stop commands zero velocity.
	Stop(ctx context.Context, extra map[string]interface{}) error
}
