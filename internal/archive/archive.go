package archive

import (
	"fmt"

	"github.com/smallbiznis/chronicle/internal/archive/domain"
	"github.com/smallbiznis/chronicle/internal/registry"
	"go.uber.org/fx"
)

// Module registers the archive domain types with the versioning registry at
// startup.
var Module = fx.Module("archive",
	fx.Invoke(RegisterTypes),
)

// RegisterTypes declares which archive types are versioned and how. Summary
// is deliberately absent: it is view-backed and has no identity.
func RegisterTypes(reg *registry.Registry) error {
	if _, err := reg.Register(&domain.Author{}); err != nil {
		return fmt.Errorf("register authors: %w", err)
	}
	if _, err := reg.Register(&domain.Post{}, registry.WithSoftDelete("deleted_at")); err != nil {
		return fmt.Errorf("register posts: %w", err)
	}
	if _, err := reg.Register(&domain.Comment{}); err != nil {
		return fmt.Errorf("register comments: %w", err)
	}
	if _, err := reg.Register(&domain.Document{}, registry.WithDiscriminator("kind")); err != nil {
		return fmt.Errorf("register documents: %w", err)
	}
	if _, err := reg.Register(&domain.Note{}, registry.AsSubtypeOf(&domain.Document{})); err != nil {
		return fmt.Errorf("register notes: %w", err)
	}
	if _, err := reg.Register(&domain.Report{}, registry.AsSubtypeOf(&domain.Document{})); err != nil {
		return fmt.Errorf("register reports: %w", err)
	}
	return nil
}
