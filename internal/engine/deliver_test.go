package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/goodtune/kfetch/internal/media"
	"github.com/goodtune/kfetch/internal/media/mediatest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirDeliverer(t *testing.T) {
	tests := []struct {
		name string
		flat bool
		want string
	}{
		{"per user", false, filepath.Join("u1", "clip.mp4")},
		{"flat", true, "clip.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			work, root := t.TempDir(), t.TempDir()
			src, err := mediatest.WriteFile(work, "clip.mp4", 64)
			require.NoError(t, err)

			d := DirDeliverer{Root: root, Flat: tt.flat, Logger: zerolog.New(io.Discard)}
			err = d.Deliver(context.Background(), Delivery{
				User: "u1",
				Task: media.Task{ID: "s/0"},
				Path: src,
				Size: 64,
			})
			require.NoError(t, err)

			info, err := os.Stat(filepath.Join(root, tt.want))
			require.NoError(t, err)
			assert.EqualValues(t, 64, info.Size())
			assert.NoFileExists(t, src)
		})
	}
}

func TestDirDeliverer_UserCannotEscapeRoot(t *testing.T) {
	work, root := t.TempDir(), t.TempDir()
	src, err := mediatest.WriteFile(work, "clip.mp4", 8)
	require.NoError(t, err)

	d := DirDeliverer{Root: root, Logger: zerolog.New(io.Discard)}
	require.NoError(t, d.Deliver(context.Background(), Delivery{User: "../../etc", Path: src}))

	assert.FileExists(t, filepath.Join(root, "etc", "clip.mp4"))
}

func TestDirDeliverer_RejectsRootUserDirs(t *testing.T) {
	for _, user := range []media.UserID{"..", ".", "", "/", "a/.."} {
		t.Run(string(user), func(t *testing.T) {
			work, parent := t.TempDir(), t.TempDir()
			root := filepath.Join(parent, "deliveries")
			src, err := mediatest.WriteFile(work, "clip.mp4", 8)
			require.NoError(t, err)

			d := DirDeliverer{Root: root, Logger: zerolog.New(io.Discard)}
			err = d.Deliver(context.Background(), Delivery{User: user, Path: src})
			require.Error(t, err)
			assert.ErrorIs(t, err, media.ErrForbidden)

			assert.NoFileExists(t, filepath.Join(parent, "clip.mp4"))
			assert.NoFileExists(t, filepath.Join(root, "clip.mp4"))
			assert.FileExists(t, src, "the artifact stays in the work directory")
		})
	}
}
