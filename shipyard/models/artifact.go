package models

import (
	"fmt"
	"slices"
	"strings"
)

const LatestTag = "latest"

// ImageRef addresses one tag of an image repository.
type ImageRef struct {
	Repository string
	Tag        string
}

func (r ImageRef) String() string {
	if r.Tag == "" {
		return r.Repository
	}
	return r.Repository + ":" + r.Tag
}

// ParseImageRef splits "repo:tag". A colon that belongs to a registry
// host:port is not a tag separator.
func ParseImageRef(s string) (ImageRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ImageRef{}, fmt.Errorf("empty image reference")
	}
	idx := strings.LastIndex(s, ":")
	if idx < 0 || strings.Contains(s[idx+1:], "/") {
		return ImageRef{Repository: s}, nil
	}
	return ImageRef{Repository: s[:idx], Tag: s[idx+1:]}, nil
}

type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildSucceeded BuildStatus = "succeeded"
	BuildFailed    BuildStatus = "failed"
)

// Artifact is a built image. It is a value: tagging returns a new
// Artifact and never touches the receiver.
type Artifact struct {
	Ref     ImageRef
	Aliases []string
	ImageID string
	Status  BuildStatus
}

// Refs returns the primary reference followed by one per alias.
func (a Artifact) Refs() []ImageRef {
	refs := []ImageRef{a.Ref}
	for _, alias := range a.Aliases {
		refs = append(refs, ImageRef{Repository: a.Ref.Repository, Tag: alias})
	}
	return refs
}

// WithAlias returns a copy that also answers to tag. Adding an alias the
// artifact already has, or its own tag, returns an equal value.
func (a Artifact) WithAlias(tag string) Artifact {
	if tag == a.Ref.Tag || slices.Contains(a.Aliases, tag) {
		return a.clone()
	}
	out := a.clone()
	out.Aliases = append(out.Aliases, tag)
	return out
}

// SameBuild reports whether both values point at one image identity.
func (a Artifact) SameBuild(b Artifact) bool {
	if a.ImageID != "" && b.ImageID != "" {
		return a.ImageID == b.ImageID
	}
	return a.Ref == b.Ref
}

func (a Artifact) clone() Artifact {
	out := a
	out.Aliases = slices.Clone(a.Aliases)
	return out
}
