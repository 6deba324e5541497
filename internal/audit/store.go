package audit

import "context"

// Store persists sealed records in append order. Implementations must keep
// the order stable: Load returns exactly what was appended, oldest first.
type Store interface {
	// Append durably adds one record at the tail.
	Append(ctx context.Context, record Record) error

	// Load returns all records in append order.
	Load(ctx context.Context) ([]Record, error)

	// Close releases underlying resources.
	Close() error
}
