package gxbridge

// --------------------------------------------------------------------------
//
//	Gurux Ltd
//
// Filename:        $HeadURL$
//
// Version:         $Revision$,
//
//	$Date$
//	$Author$
//
// # Copyright (c) Gurux Ltd
//
// ---------------------------------------------------------------------------
//
//	DESCRIPTION
//
// This file is a part of Gurux Device Framework.
//
// Gurux Device Framework is Open Source software; you can redistribute it
// and/or modify it under the terms of the GNU General Public License
// as published by the Free Software Foundation; version 2 of the License.
// Gurux Device Framework is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
// See the GNU General Public License for more details.
//
// More information of Gurux products: https://www.gurux.org
//
// This code is licensed under the GNU General Public License v2.
// Full text may be retrieved at http://www.gnu.org/licenses/gpl-2.0.txt
// ---------------------------------------------------------------------------

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"golang.org/x/text/message"
)

// BackoffSettings describes the delay between failed connect or open
// attempts. The first retry waits Initial, every following retry multiplies
// the delay by Multiplier until Max is reached. Jitter is the fraction of
// the delay that is randomized, 0 to 1.
//
// Initial of zero retries immediately without any delay.
type BackoffSettings struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

func (b BackoffSettings) validate(p *message.Printer) error {
	if b.Initial < 0 || b.Max < b.Initial || b.Multiplier < 1 || b.Jitter < 0 || b.Jitter > 1 {
		return errors.New(p.Sprintf("msg.invalid_backoff", b.Initial, b.Max, b.Multiplier, b.Jitter))
	}
	return nil
}

// backoff yields retry delays. It is used by a single goroutine.
type backoff struct {
	settings BackoffSettings
	next     time.Duration
	// rand returns a value in [0, 1).
	rand func() float64
}

func newBackoff(settings BackoffSettings) *backoff {
	return &backoff{settings: settings, next: settings.Initial, rand: rand.Float64}
}

// Next returns the delay to wait before the next attempt and advances the
// sequence.
func (b *backoff) Next() time.Duration {
	d := b.next
	if d <= 0 {
		return 0
	}
	grown := time.Duration(float64(d) * b.settings.Multiplier)
	if grown > b.settings.Max || grown <= 0 {
		grown = b.settings.Max
	}
	b.next = grown
	if b.settings.Jitter > 0 {
		// Spread the delay to [d*(1-jitter), d*(1+jitter)).
		spread := float64(d) * b.settings.Jitter
		d = time.Duration(float64(d) - spread + 2*spread*b.rand())
	}
	if d > b.settings.Max {
		d = b.settings.Max
	}
	return d
}

// Reset starts the sequence from Initial again. It is called after a
// successful connect or open.
func (b *backoff) Reset() {
	b.next = b.settings.Initial
}

// sleepContext waits for d or until ctx is done. It returns false if ctx
// ended first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
