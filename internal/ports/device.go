package ports

import "context"

// WakeLock keeps the device from suspending. Implementations must tolerate
// nested KeepAwake/LetSleep pairs from other subsystems.
type WakeLock interface {
	KeepAwake(ctx context.Context) error
	LetSleep(ctx context.Context) error
}

// DeviceState reports whether the user is currently interacting with the device.
type DeviceState interface {
	Interactive() bool
}
