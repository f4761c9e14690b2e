package artifacts

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/querysync/src/core"
)

func writeFile(t *testing.T, filename, contents string) string {
	require.NoError(t, os.MkdirAll(filepath.Dir(filename), 0755))
	require.NoError(t, os.WriteFile(filename, []byte(contents), 0644))
	return filename
}

func writeZip(t *testing.T, filename string, files map[string]string) string {
	require.NoError(t, os.MkdirAll(filepath.Dir(filename), 0755))
	f, err := os.Create(filename)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for name, contents := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	return filename
}

func newTracker(t *testing.T) (*Tracker, string) {
	dir := t.TempDir()
	tracker, err := New(filepath.Join(dir, "cache"), 4)
	require.NoError(t, err)
	return tracker, filepath.Join(dir, "out")
}

func jarInfo(artifacts ...Artifact) *OutputInfo {
	info := NewOutputInfo()
	info.Jars = artifacts
	return info
}

var foo = core.ParseLabel("//pkg:foo")

func TestUpdateCopiesJars(t *testing.T) {
	tracker, out := newTracker(t)
	jar := writeFile(t, filepath.Join(out, "pkg/libfoo.jar"), "jar contents")
	result, err := tracker.Update(context.Background(), core.NewLabelSet(foo), jarInfo(Artifact{Label: foo, Path: jar}))
	require.NoError(t, err)
	assert.NoError(t, result.Warnings)
	require.Equal(t, 1, len(result.UpdatedFiles))
	cached := result.UpdatedFiles[0]
	assert.Equal(t, filepath.Join(tracker.Root(), "jars"), filepath.Dir(cached))
	assert.Contains(t, filepath.Base(cached), "pkg_foo_")
	b, err := os.ReadFile(cached)
	require.NoError(t, err)
	assert.Equal(t, "jar contents", string(b))
	assert.Equal(t, core.NewLabelSet(foo), tracker.LiveCachedTargets())
	files, present := tracker.CachedFiles(foo)
	assert.True(t, present)
	assert.Equal(t, []string{cached}, files)
}

func TestUnchangedArtifactIsNotRewritten(t *testing.T) {
	tracker, out := newTracker(t)
	jar := writeFile(t, filepath.Join(out, "pkg/libfoo.jar"), "jar contents")
	info := jarInfo(Artifact{Label: foo, Path: jar})
	result, err := tracker.Update(context.Background(), core.NewLabelSet(foo), info)
	require.NoError(t, err)
	cached := result.UpdatedFiles[0]
	// Backdate it so we can tell whether it gets rewritten.
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(cached, old, old))

	result, err = tracker.Update(context.Background(), core.NewLabelSet(foo), info)
	require.NoError(t, err)
	assert.Equal(t, 0, len(result.UpdatedFiles))
	assert.Equal(t, 0, len(result.RemovedKeys))
	fi, err := os.Stat(cached)
	require.NoError(t, err)
	assert.Equal(t, old, fi.ModTime())
}

func TestChangedArtifactIsRewritten(t *testing.T) {
	tracker, out := newTracker(t)
	jar := writeFile(t, filepath.Join(out, "pkg/libfoo.jar"), "v1")
	info := jarInfo(Artifact{Label: foo, Path: jar})
	_, err := tracker.Update(context.Background(), core.NewLabelSet(foo), info)
	require.NoError(t, err)
	writeFile(t, jar, "v2")
	result, err := tracker.Update(context.Background(), core.NewLabelSet(foo), info)
	require.NoError(t, err)
	require.Equal(t, 1, len(result.UpdatedFiles))
	b, _ := os.ReadFile(result.UpdatedFiles[0])
	assert.Equal(t, "v2", string(b))
}

func TestReportedDigestIsTrusted(t *testing.T) {
	tracker, out := newTracker(t)
	jar := writeFile(t, filepath.Join(out, "pkg/libfoo.jar"), "v1")
	_, err := tracker.Update(context.Background(), core.NewLabelSet(foo), jarInfo(Artifact{Label: foo, Path: jar, Digest: "abc"}))
	require.NoError(t, err)
	writeFile(t, jar, "v2")
	result, err := tracker.Update(context.Background(), core.NewLabelSet(foo), jarInfo(Artifact{Label: foo, Path: jar, Digest: "abc"}))
	require.NoError(t, err)
	assert.Equal(t, 0, len(result.UpdatedFiles))
}

func TestAarIsUnpacked(t *testing.T) {
	tracker, out := newTracker(t)
	aar := writeZip(t, filepath.Join(out, "pkg/foo.aar"), map[string]string{
		"classes.jar":           "classes",
		"res/values/values.xml": "<resources/>",
		"AndroidManifest.xml":   "<manifest/>",
	})
	info := NewOutputInfo()
	info.Aars = []Artifact{{Label: foo, Path: aar}}
	result, err := tracker.Update(context.Background(), core.NewLabelSet(foo), info)
	require.NoError(t, err)
	dir := filepath.Join(tracker.Root(), "aars", "pkg_foo")
	assert.Equal(t, []string{
		filepath.Join(dir, "AndroidManifest.xml"),
		filepath.Join(dir, "classes.jar"),
		filepath.Join(dir, "res/values/values.xml"),
	}, result.UpdatedFiles)
	assert.Equal(t, []string{dir}, tracker.AarDirectories())
	b, err := os.ReadFile(filepath.Join(dir, "res/values/values.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<resources/>", string(b))

	// Second time round it's not re-extracted.
	result, err = tracker.Update(context.Background(), core.NewLabelSet(foo), info)
	require.NoError(t, err)
	assert.Equal(t, 0, len(result.UpdatedFiles))
}

func TestAarWithBadPaths(t *testing.T) {
	tracker, out := newTracker(t)
	aar := writeZip(t, filepath.Join(out, "pkg/foo.aar"), map[string]string{"../../evil": "x"})
	info := NewOutputInfo()
	info.Aars = []Artifact{{Label: foo, Path: aar}}
	result, err := tracker.Update(context.Background(), core.NewLabelSet(foo), info)
	require.NoError(t, err)
	assert.Error(t, result.Warnings)
	assert.Equal(t, 0, len(tracker.AarDirectories()))
}

func TestIOErrorSkipsOnlyThatArtifact(t *testing.T) {
	tracker, out := newTracker(t)
	bar := core.ParseLabel("//pkg:bar")
	jar := writeFile(t, filepath.Join(out, "pkg/libbar.jar"), "bar")
	info := jarInfo(
		Artifact{Label: foo, Path: filepath.Join(out, "pkg/missing.jar")},
		Artifact{Label: bar, Path: jar},
	)
	result, err := tracker.Update(context.Background(), core.NewLabelSet(foo, bar), info)
	require.NoError(t, err)
	assert.Error(t, result.Warnings)
	assert.Contains(t, result.Warnings.Error(), "//pkg:foo")
	assert.Equal(t, 1, len(result.UpdatedFiles))
	files, present := tracker.CachedFiles(bar)
	assert.True(t, present)
	assert.Equal(t, 1, len(files))
	_, present = tracker.CachedFiles(foo)
	assert.False(t, present)
	assert.Equal(t, core.NewLabelSet(bar), tracker.LiveCachedTargets())
}

func TestPartiallyFailedNewTargetLeavesNothingBehind(t *testing.T) {
	tracker, out := newTracker(t)
	jar := writeFile(t, filepath.Join(out, "pkg/libfoo.jar"), "foo")
	info := jarInfo(
		Artifact{Label: foo, Path: jar},
		Artifact{Label: foo, Path: filepath.Join(out, "pkg/missing.jar")},
	)
	result, err := tracker.Update(context.Background(), core.NewLabelSet(foo), info)
	require.NoError(t, err)
	assert.Error(t, result.Warnings)
	assert.Equal(t, 0, len(result.UpdatedFiles))
	assert.Equal(t, 0, len(tracker.LiveCachedTargets()))
	assert.Equal(t, 0, len(tracker.entries))
	jars, err := os.ReadDir(filepath.Join(tracker.Root(), "jars"))
	require.NoError(t, err)
	assert.Equal(t, 0, len(jars))
}

func TestNonArchiveAarOutputIsNotADirectory(t *testing.T) {
	tracker, out := newTracker(t)
	jar := writeFile(t, filepath.Join(out, "pkg/foo_resources.jar"), "resources")
	info := NewOutputInfo()
	info.Aars = []Artifact{{Label: foo, Path: jar}}
	result, err := tracker.Update(context.Background(), core.NewLabelSet(foo), info)
	require.NoError(t, err)
	require.Equal(t, 1, len(result.UpdatedFiles))
	assert.FileExists(t, result.UpdatedFiles[0])
	assert.Equal(t, 0, len(tracker.AarDirectories()))

	reloaded, err := New(tracker.Root(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, len(reloaded.AarDirectories()))
}

func TestStaleArtifactsAreRemoved(t *testing.T) {
	tracker, out := newTracker(t)
	jar1 := writeFile(t, filepath.Join(out, "pkg/libfoo.jar"), "1")
	jar2 := writeFile(t, filepath.Join(out, "pkg/libfoo-new.jar"), "2")
	result, err := tracker.Update(context.Background(), core.NewLabelSet(foo), jarInfo(Artifact{Label: foo, Path: jar1}))
	require.NoError(t, err)
	first := result.UpdatedFiles[0]
	result, err = tracker.Update(context.Background(), core.NewLabelSet(foo), jarInfo(Artifact{Label: foo, Path: jar2}))
	require.NoError(t, err)
	assert.Equal(t, 1, len(result.UpdatedFiles))
	assert.Equal(t, 1, len(result.RemovedKeys))
	assert.NoFileExists(t, first)
	files, _ := tracker.CachedFiles(foo)
	assert.Equal(t, result.UpdatedFiles, files)
}

func TestTargetsWithErrorsAreNotLive(t *testing.T) {
	tracker, out := newTracker(t)
	bar := core.ParseLabel("//pkg:bar")
	jar := writeFile(t, filepath.Join(out, "pkg/libfoo.jar"), "foo")
	info := jarInfo(Artifact{Label: foo, Path: jar})
	info.TargetsWithErrors.Add(bar)
	_, err := tracker.Update(context.Background(), core.NewLabelSet(foo, bar), info)
	require.NoError(t, err)
	assert.Equal(t, core.NewLabelSet(foo), tracker.LiveCachedTargets())
	_, present := tracker.CachedFiles(bar)
	assert.False(t, present)
}

func TestTargetsWithNoOutputsAreLive(t *testing.T) {
	tracker, _ := newTracker(t)
	_, err := tracker.Update(context.Background(), core.NewLabelSet(foo), NewOutputInfo())
	require.NoError(t, err)
	files, present := tracker.CachedFiles(foo)
	assert.True(t, present)
	assert.Equal(t, 0, len(files))
}

func TestClear(t *testing.T) {
	tracker, out := newTracker(t)
	jar := writeFile(t, filepath.Join(out, "pkg/libfoo.jar"), "foo")
	result, err := tracker.Update(context.Background(), core.NewLabelSet(foo), jarInfo(Artifact{Label: foo, Path: jar}))
	require.NoError(t, err)
	require.NoError(t, tracker.Clear())
	assert.Equal(t, 0, len(tracker.LiveCachedTargets()))
	assert.NoFileExists(t, result.UpdatedFiles[0])
	assert.DirExists(t, filepath.Join(tracker.Root(), "jars"))
}

func TestStateIsPersisted(t *testing.T) {
	tracker, out := newTracker(t)
	jar := writeFile(t, filepath.Join(out, "pkg/libfoo.jar"), "foo")
	aar := writeZip(t, filepath.Join(out, "pkg/foo.aar"), map[string]string{"classes.jar": "classes"})
	info := jarInfo(Artifact{Label: foo, Path: jar})
	info.Aars = []Artifact{{Label: foo, Path: aar}}
	_, err := tracker.Update(context.Background(), core.NewLabelSet(foo), info)
	require.NoError(t, err)

	reloaded, err := New(tracker.Root(), 1)
	require.NoError(t, err)
	assert.Equal(t, tracker.LiveCachedTargets(), reloaded.LiveCachedTargets())
	assert.Equal(t, tracker.AarDirectories(), reloaded.AarDirectories())
	result, err := reloaded.Update(context.Background(), core.NewLabelSet(foo), info)
	require.NoError(t, err)
	assert.Equal(t, 0, len(result.UpdatedFiles), "Nothing should need re-caching after a reload")
}

func TestMissingFilesAreNotLiveAfterReload(t *testing.T) {
	tracker, out := newTracker(t)
	jar := writeFile(t, filepath.Join(out, "pkg/libfoo.jar"), "foo")
	result, err := tracker.Update(context.Background(), core.NewLabelSet(foo), jarInfo(Artifact{Label: foo, Path: jar}))
	require.NoError(t, err)
	require.NoError(t, os.Remove(result.UpdatedFiles[0]))
	reloaded, err := New(tracker.Root(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, len(reloaded.LiveCachedTargets()))
}

func TestCancelledUpdate(t *testing.T) {
	tracker, out := newTracker(t)
	jar := writeFile(t, filepath.Join(out, "pkg/libfoo.jar"), "foo")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tracker.Update(ctx, core.NewLabelSet(foo), jarInfo(Artifact{Label: foo, Path: jar}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, len(tracker.LiveCachedTargets()))
}

func TestConcurrentDisjointUpdates(t *testing.T) {
	tracker, out := newTracker(t)
	var wg sync.WaitGroup
	labels := core.NewLabelSet()
	for i := 0; i < 10; i++ {
		label := core.NewLabel("pkg", string(rune('a'+i)))
		labels.Add(label)
		jar := writeFile(t, filepath.Join(out, "pkg", label.Name+".jar"), label.Name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.Update(context.Background(), core.NewLabelSet(label), jarInfo(Artifact{Label: label, Path: jar}))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, labels, tracker.LiveCachedTargets())
}

func TestLockTable(t *testing.T) {
	lt := newLockTable()
	a, b, c, d := core.ParseLabel("//x:a"), core.ParseLabel("//x:b"), core.ParseLabel("//x:c"), core.ParseLabel("//x:d")
	unlock := lt.Lock(core.NewLabelSet(a, b))

	// Disjoint sets go straight through.
	done := make(chan struct{})
	go func() {
		lt.Lock(core.NewLabelSet(c, d))()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("disjoint lock was blocked")
	}

	// Overlapping ones wait.
	overlapping := make(chan struct{})
	go func() {
		lt.Lock(core.NewLabelSet(b, c))()
		close(overlapping)
	}()
	select {
	case <-overlapping:
		t.Fatal("overlapping lock was not blocked")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-overlapping:
	case <-time.After(5 * time.Second):
		t.Fatal("overlapping lock never acquired")
	}
}
