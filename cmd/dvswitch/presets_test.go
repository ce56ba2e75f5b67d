package main

import (
	"sync"
	"testing"

	"github.com/zsiec/dvswitch/internal/config"
	"github.com/zsiec/dvswitch/internal/mixer"
)

type nopSource struct{}

func (nopSource) SetActive(mixer.Activation) {}

func presetConfig() *config.Config {
	return &config.Config{Sources: []config.SourcePreset{
		{ID: 0, Name: "Camera A"},
		{ID: 2, Name: "Slides", URL: "hdmi://capture0"},
	}}
}

func TestSourcePresets(t *testing.T) {
	t.Parallel()
	mix := mixer.New(nil, nil)
	mix.SetPresets(sourcePresets(presetConfig()))

	tests := []struct {
		addr      string
		name, url string
	}{
		{"192.0.2.1:5000", "Camera A", "tcp://192.0.2.1:5000"},
		{"192.0.2.2:5000", "192.0.2.2:5000", "tcp://192.0.2.2:5000"},
		{"192.0.2.3:5000", "Slides", "hdmi://capture0"},
	}
	for i, tt := range tests {
		id := mix.AddSource(nopSource{}, mixer.SourceSettings{
			Name:     tt.addr,
			URL:      "tcp://" + tt.addr,
			UseVideo: true,
			UseAudio: true,
		})
		if int(id) != i {
			t.Fatalf("source id = %d, want %d", id, i)
		}
	}

	for i, tt := range tests {
		got, err := mix.SourceSettings(mixer.SourceID(i))
		if err != nil {
			t.Fatalf("SourceSettings(%d): %v", i, err)
		}
		if got.Name != tt.name || got.URL != tt.url {
			t.Errorf("source %d = %q %q, want %q %q", i, got.Name, got.URL, tt.name, tt.url)
		}
		if !got.UseVideo || !got.UseAudio {
			t.Errorf("source %d lost its use flags", i)
		}
	}
}

// Sources registering concurrently each get the preset of the id they
// were assigned.
func TestSourcePresetsConcurrentRegistration(t *testing.T) {
	t.Parallel()
	mix := mixer.New(nil, nil)
	mix.SetPresets(sourcePresets(presetConfig()))

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mix.AddSource(nopSource{}, mixer.SourceSettings{Name: "anon", UseVideo: true, UseAudio: true})
		}()
	}
	wg.Wait()

	want := map[mixer.SourceID]string{0: "Camera A", 1: "anon", 2: "Slides"}
	for _, s := range mix.Sources() {
		if s.Settings.Name != want[s.ID] {
			t.Errorf("source %d name = %q, want %q", s.ID, s.Settings.Name, want[s.ID])
		}
	}
	if n := len(mix.Sources()); n != 3 {
		t.Fatalf("sources = %d, want 3", n)
	}

	// A reused id picks up that id's preset.
	mix.RemoveSource(2)
	id := mix.AddSource(nopSource{}, mixer.SourceSettings{Name: "late"})
	got, err := mix.SourceSettings(id)
	if err != nil {
		t.Fatal(err)
	}
	if id != 2 || got.Name != "Slides" {
		t.Errorf("reused source %d name = %q, want 2 Slides", id, got.Name)
	}
}
