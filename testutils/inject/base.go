// Package inject provides fakes whose behaviour tests inject per method.
package inject

import (
	"context"
	"sync"

	"github.com/golang/geo/r3"

	"github.com/courtbot/ballbot/components/base"
)

// Velocity is one recorded SetVelocity call.
type Velocity struct {
	Linear  r3.Vector
	Angular r3.Vector
}

// Base is an injected base. Without injected funcs it records every command and succeeds.
type Base struct {
	base.Base
	SetVelocityFunc func(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error
	StopFunc        func(ctx context.Context, extra map[string]interface{}) error

	mu       sync.Mutex
	commands []Velocity
}

// SetVelocity calls the injected SetVelocity or the real version.
func (b *Base) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.record(Velocity{Linear: linear, Angular: angular})
	if b.SetVelocityFunc != nil {
		return b.SetVelocityFunc(ctx, linear, angular, extra)
	}
	if b.Base != nil {
		return b.Base.SetVelocity(ctx, linear, angular, extra)
	}
	return nil
}

// Stop calls the injected Stop or the real version.
func (b *Base) Stop(ctx context.Context, extra map[string]interface{}) error {
	b.record(Velocity{})
	if b.StopFunc != nil {
		return b.StopFunc(ctx, extra)
	}
	if b.Base != nil {
		return b.Base.Stop(ctx, extra)
	}
	return nil
}

func (b *Base) record(v Velocity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, v)
}

// Commands returns every command seen, Stop recorded as zero velocity.
func (b *Base) Commands() []Velocity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Velocity(nil), b.commands...)
}

// LastCommand returns the most recent command, or zero velocity.
func (b *Base) LastCommand() Velocity {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.commands) == 0 {
		return Velocity{}
	}
	return b.commands[len(b.commands)-1]
}

// ResetCommands forgets recorded commands.
func (b *Base) ResetCommands() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = nil
}
