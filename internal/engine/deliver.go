package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goodtune/kfetch/internal/media"
	"github.com/rs/zerolog"
)

// Delivery is a finished artifact ready to hand off. Path is only valid
// for the duration of the Deliver call.
type Delivery struct {
	User  media.UserID
	Task  media.Task
	Path  string
	Size  int64
	Title string
}

// Deliverer hands artifacts to the user.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// DeliverFunc adapts a function to Deliverer.
type DeliverFunc func(ctx context.Context, d Delivery) error

func (f DeliverFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

type discardDeliverer struct{}

func (discardDeliverer) Deliver(context.Context, Delivery) error { return nil }

// DirDeliverer moves artifacts into Root/<user>/, or straight into Root
// when Flat is set.
type DirDeliverer struct {
	Root   string
	Flat   bool
	Logger zerolog.Logger
}

func (d DirDeliverer) Deliver(_ context.Context, del Delivery) error {
	dir := d.Root
	if !d.Flat {
		name, err := userDir(del.User)
		if err != nil {
			return err
		}
		dir = filepath.Join(d.Root, name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create delivery directory: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(del.Path))
	if err := moveFile(del.Path, dst); err != nil {
		return err
	}
	d.Logger.Info().
		Str("user", string(del.User)).
		Str("task", del.Task.ID).
		Str("path", dst).
		Int64("size", del.Size).
		Msg("Artifact delivered")
	return nil
}

// userDir maps a user to a single directory name below the root. Names
// that resolve to the root itself or its parent are refused.
func userDir(user media.UserID) (string, error) {
	name := filepath.Base(string(user))
	if !filepath.IsLocal(name) || name == "." {
		return "", media.NewError(media.ErrForbidden, "deliver", fmt.Sprintf("invalid user directory %q", user), nil)
	}
	return name, nil
}

// moveFile renames src to dst, copying when they are on different
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy artifact: %w", err)
	}
	return out.Close()
}
