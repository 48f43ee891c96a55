package nusport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/nusport/pkg/device"
)

// ----------------------------
// Endpoint lookup
// ----------------------------

// FindService returns the service whose UUID matches uuid, ignoring case and
// dashes. A miss is reported as ServiceNotFound.
func FindService(services []device.Service, uuid string) (device.Service, error) {
	for _, svc := range services {
		if svc != nil && device.EqualUUID(svc.UUID(), uuid) {
			return svc, nil
		}
	}
	return nil, &Error{
		Kind: ServiceNotFound,
		Err:  &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}},
	}
}

// FindCharacteristic returns the characteristic whose UUID matches uuid,
// ignoring case and dashes. A miss is reported as CharacteristicNotFound.
func FindCharacteristic(chars []device.Characteristic, serviceUUID, uuid string) (device.Characteristic, error) {
	for _, ch := range chars {
		if ch != nil && device.EqualUUID(ch.UUID(), uuid) {
			return ch, nil
		}
	}
	return nil, &Error{
		Kind: CharacteristicNotFound,
		Err:  &device.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, uuid}},
	}
}

// ----------------------------
// Session
// ----------------------------

// session is the endpoint triad of one connection plus the receive
// subscription on it. It is created after a connect, shared read-only by Read
// and Write, and dropped as a whole on disconnect or Dispose.
type session struct {
	peripheral device.Peripheral
	generation uint64 // connector generation the triad was resolved on

	service device.Service
	rx      device.Characteristic
	tx      device.Characteristic

	subMu sync.Mutex
	sub   device.Subscription
}

// resolveSession discovers the profile's triad on a connected peripheral.
// Each discovery step is bounded by timeout.
func resolveSession(ctx context.Context, p device.Peripheral, generation uint64, profile Profile, timeout time.Duration, logger *logrus.Logger) (*session, error) {
	log := logger.WithFields(logrus.Fields{
		"address": p.Address(),
		"profile": profile.Name,
	})

	log.WithField("service_uuid", profile.Service).Debug("Discovering services...")
	svcCtx, cancel := withTimeout(ctx, timeout)
	services, err := callWithContext(svcCtx, "nus-discover-services", p.Services)
	cancel()
	if err != nil {
		return nil, newError(ServiceNotFound, err, "service discovery failed")
	}

	svc, err := FindService(services, profile.Service)
	if err != nil {
		log.WithField("services", len(services)).Error("Service not found on peripheral")
		return nil, err
	}

	log.Debug("Discovering characteristics...")
	charCtx, cancel := withTimeout(ctx, timeout)
	chars, err := callWithContext(charCtx, "nus-discover-characteristics", svc.Characteristics)
	cancel()
	if err != nil {
		return nil, newError(CharacteristicNotFound, err, "characteristic discovery failed in service %s", profile.Service)
	}

	rx, err := FindCharacteristic(chars, profile.Service, profile.RX)
	if err != nil {
		return nil, err
	}
	tx, err := FindCharacteristic(chars, profile.Service, profile.TX)
	if err != nil {
		return nil, err
	}
	if !tx.Properties().CanSubscribe() {
		return nil, newError(CharacteristicNotFound, device.ErrUnsupported,
			"TX characteristic %s supports neither notify nor indicate (properties: %s)", profile.TX, tx.Properties())
	}

	log.WithFields(logrus.Fields{
		"rx_uuid":       rx.UUID(),
		"tx_uuid":       tx.UUID(),
		"rx_properties": rx.Properties().String(),
		"tx_properties": tx.Properties().String(),
	}).Debug("Endpoint triad resolved")

	return &session{
		peripheral: p,
		generation: generation,
		service:    svc,
		rx:         rx,
		tx:         tx,
	}, nil
}

// subscribe replaces any active subscription with a new one on TX. The prior
// subscription is always released first so two never coexist.
func (s *session) subscribe(preferIndication bool, handler func([]byte), logger *logrus.Logger) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			logger.WithField("error", err).Warn("Failed to release previous TX subscription")
		}
		s.sub = nil
	}

	sub, err := s.tx.Notify(preferIndication, handler)
	if err != nil {
		return newError(SubscribeFailed, err, "TX characteristic %s", s.tx.UUID())
	}
	if sub == nil {
		return newError(SubscribeFailed, errors.New("nil subscription"), "TX characteristic %s", s.tx.UUID())
	}
	s.sub = sub

	if preferIndication && !sub.Indicated() {
		logger.WithField("tx_uuid", s.tx.UUID()).Info("Indications not supported, receiving via notifications")
	}
	return nil
}

// unsubscribe releases the active subscription, if any.
func (s *session) unsubscribe() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	if err != nil {
		return fmt.Errorf("unsubscribe TX %s: %w", s.tx.UUID(), err)
	}
	return nil
}

func (s *session) subscribed() bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.sub != nil
}

// writeWithResponse picks the RX write mode: acknowledged when forced or when
// RX does not offer write-without-response.
func (s *session) writeWithResponse(force bool) bool {
	props := s.rx.Properties()
	if force {
		return true
	}
	return !props.Has(device.PropWriteWithoutResponse) && props.Has(device.PropWrite)
}
