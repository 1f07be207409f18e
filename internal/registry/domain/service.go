package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	GetRegistry(ctx context.Context, tld string) (*Registry, error)
	GetDomain(ctx context.Context, name string) (*Domain, error)
	CreateDomain(ctx context.Context, req CreateDomainRequest) (*Domain, error)
}

type CreateDomainRequest struct {
	Name         string     `json:"name"`
	RegistrarID  string     `json:"registrar_id"`
	CreationTime *time.Time `json:"creation_time,omitempty"`
}

var (
	ErrRegistryNotFound = errors.New("registry_not_found")
	ErrDomainNotFound   = errors.New("domain_not_found")
	ErrDomainExists     = errors.New("domain_exists")
	ErrInvalidDomain    = errors.New("invalid_domain")
)
