package user

import (
	"context"

	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
)

// Repository persists users. Lookups return common.ErrNotFound when absent;
// Create returns common.ErrDuplicateEmail or common.ErrDuplicateUsername on
// a uniqueness conflict.
type Repository interface {
	Create(ctx context.Context, u *entity.User) error
	GetByID(ctx context.Context, id string) (*entity.User, error)
	// GetByIDForUpdate reads the row and holds a row lock until the
	// surrounding transaction ends.
	GetByIDForUpdate(ctx context.Context, id string) (*entity.User, error)
	GetByUsername(ctx context.Context, username string) (*entity.User, error)
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	// Update writes every mutable column of u.
	Update(ctx context.Context, u *entity.User) error
}
