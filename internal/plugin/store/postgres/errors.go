package postgres

import registrystore "github.com/recallio/recall/internal/registry/store"

// Local aliases for the registry/store error types used throughout this package.
type NotFoundError = registrystore.NotFoundError
type ValidationError = registrystore.ValidationError
type ConflictError = registrystore.ConflictError
type ForbiddenError = registrystore.ForbiddenError
type PreconditionError = registrystore.PreconditionError
