// Package model defines shared data types used across the ib-stream gateway.
//
// Conventions:
//   - Timestamps: int64 microseconds since Unix epoch
//   - Prices and sizes: float64, as reported by TWS
//   - Contract IDs: int64 (IB con_id)
//   - Request IDs: int32, derived deterministically (see DeriveRequestID)
package model
