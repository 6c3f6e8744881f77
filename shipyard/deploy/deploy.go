// Package deploy places a built artifact into the host's single
// deployment slot.
package deploy

import (
	"context"
	"errors"
	"io"

	"tangled.sh/tangled.sh/shipyard/shipyard/models"
)

var ErrNotDeployed = errors.New("nothing deployed")

// Target is a singleton slot: Replace removes whatever occupies it and
// puts art there.
type Target interface {
	Name() string
	Replace(ctx context.Context, art models.Artifact, env []string, out io.Writer) error
	// Status is the raw state string the health loop interprets.
	Status(ctx context.Context) (string, error)
	// Instances counts what currently occupies the slot.
	Instances(ctx context.Context) (int, error)
}

var (
	_ Target = (*ContainerTarget)(nil)
	_ Target = (*LocalTarget)(nil)
)
