package service

import "errors"

var (
	// ErrValidation is returned when an admin mutation is rejected before it reaches the store
	ErrValidation = errors.New("validation failed")

	ErrNotFound = errors.New("not found")

	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrEmailTaken = errors.New("operator with this email already exists")
)
