package docker

import (
	"context"
	"path/filepath"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// imageRuntime is the slice of Client the syncer needs.
type imageRuntime interface {
	HasImage(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	LoadImage(ctx context.Context, tarPath string) error
}

// ImageSync resolves the container image for a task: a registry image is
// pulled on first use, a named environment is loaded from its shared-directory
// tarball. LoadImage inside the client already serializes concurrent loads.
type ImageSync struct {
	rt        imageRuntime
	sharedDir string
}

// NewImageSync creates a syncer over the given runtime and shared directory.
func NewImageSync(rt imageRuntime, sharedDir string) *ImageSync {
	return &ImageSync{rt: rt, sharedDir: sharedDir}
}

// EnsureImage returns a locally-available image reference for the request.
func (s *ImageSync) EnsureImage(ctx context.Context, envName, image string) (string, error) {
	if image != "" {
		ok, err := s.rt.HasImage(ctx, image)
		if err != nil {
			return "", err
		}
		if !ok {
			if err := s.rt.PullImage(ctx, image); err != nil {
				return "", err
			}
		}
		return image, nil
	}
	if envName == "" {
		return "", types.NewError(types.ErrBadRequest, "task names neither image nor environment")
	}
	ref := SnapshotRepo(envName) + ":latest"
	ok, err := s.rt.HasImage(ctx, ref)
	if err != nil {
		return "", err
	}
	if !ok {
		tarball := filepath.Join(s.sharedDir, "envs", envName+".tar")
		if err := s.rt.LoadImage(ctx, tarball); err != nil {
			return "", err
		}
	}
	return ref, nil
}
