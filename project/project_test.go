package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleProject = `{
	"canvas": {"width": 640, "height": 360},
	"mediaTracks": [
		{
			"id": "t0",
			"name": "camera",
			"clips": [
				{"id": "clip-a", "start": 0, "duration": 1000, "type": "url"},
				{"id": "clip-b", "start": 500, "duration": 1000, "type": "url"}
			]
		}
	],
	"metadataTracks": [
		{
			"id": "meta",
			"name": "layout",
			"clips": [
				{
					"id": "l0", "start": 0, "duration": 1500, "type": "layout",
					"layout": {"mode": "grid", "columns": 2, "rows": 2, "slots": ["t0"]}
				}
			]
		}
	]
}`

func writeProject(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "project.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeProject(t, t.TempDir(), sampleProject)
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Canvas.Width != 640 || p.Canvas.Height != 360 {
		t.Fatalf("canvas: got %+v", p.Canvas)
	}
	if len(p.MediaTracks) != 1 || len(p.MediaTracks[0].Clips) != 2 {
		t.Fatalf("tracks: got %+v", p.MediaTracks)
	}
	if p.MetadataTracks[0].Clips[0].Layout.Mode != "grid" {
		t.Fatalf("layout: got %+v", p.MetadataTracks[0].Clips[0].Layout)
	}
}

func TestLoadRejectsMissingCanvas(t *testing.T) {
	t.Parallel()

	path := writeProject(t, t.TempDir(), `{"mediaTracks": []}`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted a project without canvas")
	}
}

func TestWatcherEmitsInitialSnapshot(t *testing.T) {
	t.Parallel()

	path := writeProject(t, t.TempDir(), sampleProject)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := Watch(ctx, nil, path)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	select {
	case p := <-w.Projects():
		if p == nil || p.Canvas.Width != 640 {
			t.Fatalf("initial snapshot: got %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}
}

func TestWatcherEmitsOnChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeProject(t, dir, sampleProject)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := Watch(ctx, nil, path)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()
	<-w.Projects() // initial

	updated := `{"canvas": {"width": 320, "height": 180}, "mediaTracks": []}`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case p := <-w.Projects():
		if p.Canvas.Width != 320 {
			t.Fatalf("reloaded snapshot: got %+v", p.Canvas)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no snapshot after change")
	}
}

func TestWatcherKeepsLastGoodSnapshotOnParseError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeProject(t, dir, sampleProject)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := Watch(ctx, nil, path)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()
	<-w.Projects()

	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case p := <-w.Projects():
		t.Fatalf("broken file produced a snapshot: %+v", p)
	case <-time.After(300 * time.Millisecond):
		// Expected: no emission for an unparsable save.
	}
}
