// Package identity resolves authenticated callers to actors with their
// current organizational attributes.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/internal/repository"
	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
)

type Directory struct {
	clinicians repository.ClinicianRepository
	patients   repository.PatientRepository
	cache      *cache.Cache
}

// NewDirectory caches clinician lookups for ttl. A zero ttl disables the
// cache so attribute changes apply on the next request.
func NewDirectory(clinicians repository.ClinicianRepository, patients repository.PatientRepository, ttl time.Duration) *Directory {
	d := &Directory{clinicians: clinicians, patients: patients}
	if ttl > 0 {
		d.cache = cache.New(ttl, 2*ttl)
	}
	return d
}

// Resolve builds the actor for an authenticated subject. Unknown subjects
// and inactive clinicians are Unauthorized.
func (d *Directory) Resolve(ctx context.Context, id uuid.UUID, role model.Role) (model.Actor, error) {
	switch role {
	case model.RoleClinician:
		clinician, err := d.clinician(ctx, id)
		if err != nil {
			return model.Actor{}, err
		}
		if !clinician.Active {
			return model.Actor{}, apperrors.Unauthorized(fmt.Errorf("clinician %s is inactive", id))
		}
		return model.Actor{ID: id, Role: role, Attributes: clinician.Attributes()}, nil
	case model.RolePatient:
		if _, err := d.patients.Get(ctx, id); err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				return model.Actor{}, apperrors.Unauthorized(err)
			}
			return model.Actor{}, err
		}
		return model.Actor{ID: id, Role: role}, nil
	default:
		return model.Actor{}, apperrors.Unauthorized(fmt.Errorf("unknown role %q", role))
	}
}

func (d *Directory) clinician(ctx context.Context, id uuid.UUID) (*model.Clinician, error) {
	key := id.String()
	if d.cache != nil {
		if cached, ok := d.cache.Get(key); ok {
			return cached.(*model.Clinician), nil
		}
	}

	clinician, err := d.clinicians.Get(ctx, id)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Unauthorized(err)
		}
		return nil, err
	}
	if d.cache != nil {
		d.cache.Set(key, clinician, cache.DefaultExpiration)
	}
	return clinician, nil
}

// Invalidate drops a cached clinician, e.g. after a transfer.
func (d *Directory) Invalidate(id uuid.UUID) {
	if d.cache != nil {
		d.cache.Delete(id.String())
	}
}
