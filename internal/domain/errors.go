package domain

import "errors"

// Sentinel errors shared across components.
var (
	// ErrNotConnected is returned by Publish when the MQTT session is
	// not in the Connected state. Publishing never silently queues.
	ErrNotConnected = errors.New("mqtt session not connected")

	// ErrDocumentTooLarge is returned when a rendered JSON document
	// would exceed DocumentCapacity. That is a caller contract
	// violation, not something the store recovers from.
	ErrDocumentTooLarge = errors.New("document exceeds capacity")

	// ErrStorageWrite is wrapped around failures to persist the
	// settings record. Read failures are never surfaced; they degrade
	// to defaults.
	ErrStorageWrite = errors.New("settings write failed")

	// ErrSensorUnavailable is returned when no sample has been
	// received from the sensor yet, or the serial link is down.
	ErrSensorUnavailable = errors.New("sensor unavailable")
)
