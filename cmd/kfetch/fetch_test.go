package main

import (
	"testing"

	"github.com/goodtune/kfetch/internal/config"
	"github.com/goodtune/kfetch/internal/engine"
	"github.com/goodtune/kfetch/internal/media"
	"github.com/goodtune/kfetch/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prompt(playlist bool, choices ...session.Choice) *engine.Prompt {
	p := &engine.Prompt{Info: &media.Info{IsPlaylist: playlist}}
	for _, c := range choices {
		p.Options = append(p.Options, engine.Option{Token: string(c.Action) + ":" + c.Param, Choice: c})
	}
	return p
}

func TestPickOption(t *testing.T) {
	single := prompt(false,
		session.Choice{Action: session.ActionVideo, Param: "1080"},
		session.Choice{Action: session.ActionVideo, Param: "720"},
		session.Choice{Action: session.ActionAudio, Param: "mp3"},
		session.Choice{Action: session.ActionSubtitles, Param: "en"},
	)
	list := prompt(true,
		session.Choice{Action: session.ActionPlaylist, Param: "5"},
		session.Choice{Action: session.ActionPlaylist, Param: "all"},
	)

	tests := []struct {
		name     string
		p        *engine.Prompt
		kind     string
		quality  int
		lang     string
		playlist string
		want     string
		wantErr  bool
	}{
		{"best video", single, "video", 0, "all", "all", "download-video:1080", false},
		{"video at height", single, "video", 720, "all", "all", "download-video:720", false},
		{"height not offered", single, "video", 480, "all", "all", "", true},
		{"audio", single, "audio", 0, "all", "all", "extract-audio:mp3", false},
		{"only subtitle language", single, "subtitles", 0, "all", "all", "fetch-subtitles:en", false},
		{"missing language", single, "subtitles", 0, "de", "all", "", true},
		{"playlist size", list, "video", 0, "all", "5", "download-playlist-batch:5", false},
		{"whole playlist", list, "video", 0, "all", "all", "download-playlist-batch:all", false},
		{"unknown kind", single, "gif", 0, "all", "all", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetchKind, fetchQuality, fetchLang, fetchPlaylist = tt.kind, tt.quality, tt.lang, tt.playlist

			got, err := pickOption(tt.p)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Token)
		})
	}
}

func TestOpenStorage(t *testing.T) {
	store, err := openStorage(config.StorageConfig{Type: "memory", HistoryLimit: 10})
	require.NoError(t, err)
	assert.NotNil(t, store.Windows())
	assert.NoError(t, store.Close())

	_, err = openStorage(config.StorageConfig{Type: "etcd"})
	assert.Error(t, err)
}
