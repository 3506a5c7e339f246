package accel

import "github.com/pkg/errors"

// errNotInitialized marks a method called before Init has opened the driver.
var errNotInitialized = errors.New("noircv: accelerator not initialized")
