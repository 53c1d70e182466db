package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/pkg/jsonmessage"
	archive "github.com/moby/go-archive"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ImageProvisioner guarantees the sandbox image exists in the engine's
// local image store before any container is created.
type ImageProvisioner struct {
	logger *zap.Logger
	engine Engine
	cfg    *Config
	group  singleflight.Group
}

// NewImageProvisioner creates a new ImageProvisioner.
func NewImageProvisioner(logger *zap.Logger, engine Engine, cfg *Config) *ImageProvisioner {
	return &ImageProvisioner{
		logger: logger,
		engine: engine,
		cfg:    cfg,
	}
}

// EnsureImage makes sure the tagged sandbox image is present, pulling the
// base image and building on first use. Concurrent callers share a single
// in-flight pull/build. The call is idempotent and cheap once the image
// exists.
func (p *ImageProvisioner) EnsureImage(ctx context.Context) error {
	_, err, _ := p.group.Do("ensure-image", func() (any, error) {
		return nil, p.ensure(ctx)
	})
	return err
}

func (p *ImageProvisioner) ensure(ctx context.Context) error {
	exists, err := p.engine.ImageExists(ctx, p.cfg.ImageTag)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImageProvisioning, err)
	}
	if exists {
		p.logger.Debug("sandbox image already exists", zap.String("image", p.cfg.ImageTag))
		return nil
	}

	// The build context must exist before any engine work starts.
	if _, err := os.Stat(p.cfg.BuildContext); err != nil {
		return fmt.Errorf("%w: build context %s: %v", ErrImageProvisioning, p.cfg.BuildContext, err)
	}

	p.logger.Info("pulling base image", zap.String("image", p.cfg.BaseImage))
	pullStream, err := p.engine.PullImage(ctx, p.cfg.BaseImage)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImageProvisioning, err)
	}
	if err := drainProgress(pullStream); err != nil {
		return fmt.Errorf("%w: pulling %s: %v", ErrImageProvisioning, p.cfg.BaseImage, err)
	}

	p.logger.Info("building sandbox image",
		zap.String("image", p.cfg.ImageTag),
		zap.String("context", p.cfg.BuildContext))

	buildContext, err := archive.TarWithOptions(p.cfg.BuildContext, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("%w: packing build context: %v", ErrImageProvisioning, err)
	}
	defer buildContext.Close()

	buildStream, err := p.engine.BuildImage(ctx, buildContext, p.cfg.ImageTag)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImageProvisioning, err)
	}
	if err := drainProgress(buildStream); err != nil {
		return fmt.Errorf("%w: building %s: %v", ErrImageProvisioning, p.cfg.ImageTag, err)
	}

	p.logger.Info("sandbox image ready", zap.String("image", p.cfg.ImageTag))
	return nil
}

// drainProgress consumes an engine progress stream to completion and
// surfaces any error event reported in-band. Returning before the stream
// ends would mistake a failed pull or build for a successful one.
func drainProgress(stream io.ReadCloser) error {
	defer stream.Close()

	dec := json.NewDecoder(stream)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != nil {
			return msg.Error
		}
	}
}
