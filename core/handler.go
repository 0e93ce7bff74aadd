package core

import "context"

// IService is the lifecycle every external service adapter implements.
type IService interface {
	Init(
		ctx context.Context,
	) error
	Cleanup() error
	Reset() error
}
