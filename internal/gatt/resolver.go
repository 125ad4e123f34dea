// Package gatt resolves the services and characteristics of a connected
// peripheral and picks the command target.
package gatt

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/device"
)

// Timeouts bound the individual fetches of a resolution; zero means unbounded
type Timeouts struct {
	Services        time.Duration
	Characteristics time.Duration
}

// Resolver enumerates services then characteristics and holds the
// resolution of the current connection together with its command target.
type Resolver struct {
	transport device.Transport
	policy    Policy
	timeouts  Timeouts
	logger    *logrus.Logger

	mu      sync.RWMutex
	current *Resolution
	target  *device.CharacteristicDescriptor
}

// NewResolver creates a resolver. A nil policy selects the first characteristic.
func NewResolver(transport device.Transport, policy Policy, timeouts Timeouts, logger *logrus.Logger) *Resolver {
	if policy == nil {
		policy = FirstPolicy{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{
		transport: transport,
		policy:    policy,
		timeouts:  timeouts,
		logger:    logger,
	}
}

// Policy returns the configured target selection policy
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve fetches the services of deviceID, then the characteristics of
// each service one at a time in the order the transport returned them.
//
// A failed services fetch is fatal and returns a service_fetch error.
// A failed characteristics fetch is logged, recorded in Resolution.Failed,
// and the pipeline moves on to the next service.
//
// Resolve does not touch the stored state; Apply commits a resolution.
func (r *Resolver) Resolve(ctx context.Context, deviceID string) (*Resolution, error) {
	logger := r.logger.WithField("device", deviceID)
	logger.Debug("Fetching services...")

	svcCtx, cancel := device.WithTimeout(ctx, r.timeouts.Services)
	services, err := r.transport.Services(svcCtx, deviceID)
	cancel()
	if err != nil {
		err = device.NormalizeError(err)
		logger.WithField("error", err).Error("Failed to fetch services")
		return nil, device.NewError(device.KindServiceFetch, err, "fetch services of %s", deviceID)
	}

	res := newResolution(deviceID, services)
	for _, svc := range services {
		if err := ctx.Err(); err != nil {
			return nil, device.NewError(device.KindServiceFetch, err, "resolution of %s interrupted", deviceID)
		}

		chars, err := r.fetchCharacteristics(ctx, deviceID, svc.ServiceID)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"service": svc.ServiceID,
				"error":   err,
			}).Warn("Failed to fetch characteristics, skipping service")
			res.Failed = append(res.Failed, FailedService{ServiceID: svc.ServiceID, Err: err})
			continue
		}
		res.add(svc.ServiceID, chars)
	}

	logger.WithFields(logrus.Fields{
		"services":        len(services),
		"characteristics": res.Len(),
		"failed_services": len(res.Failed),
	}).Debug("GATT resolution complete")
	return res, nil
}

func (r *Resolver) fetchCharacteristics(ctx context.Context, deviceID, serviceID string) ([]device.CharacteristicDescriptor, error) {
	charCtx, cancel := device.WithTimeout(ctx, r.timeouts.Characteristics)
	defer cancel()

	chars, err := r.transport.Characteristics(charCtx, deviceID, serviceID)
	if err != nil {
		return nil, device.NewError(device.KindCharacteristicFetch, device.NormalizeError(err), "fetch characteristics of service %s", serviceID)
	}
	for i := range chars {
		if chars[i].ServiceID == "" {
			chars[i].ServiceID = serviceID
		}
	}
	return chars, nil
}

// Apply stores res as the current resolution and selects the command target.
// ok is false when the policy finds no target; the resolution is stored anyway.
func (r *Resolver) Apply(res *Resolution) (device.CharacteristicDescriptor, bool) {
	target, ok := r.policy.Select(res)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = res
	r.target = nil
	if ok {
		r.target = &target
	}
	return target, ok
}

// Reset discards the resolution and the command target
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = nil
	r.target = nil
}

// Target returns the current command target
func (r *Resolver) Target() (device.CharacteristicDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.target == nil {
		return device.CharacteristicDescriptor{}, false
	}
	return *r.target, true
}

// Current returns the stored resolution, or nil
func (r *Resolver) Current() *Resolution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Characteristics returns all characteristics of the stored resolution
func (r *Resolver) Characteristics() []device.CharacteristicDescriptor {
	return r.Current().Characteristics()
}
