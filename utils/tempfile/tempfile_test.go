package tempfile_test

import (
	"os"
	"path"
	"strings"
	"testing"

	"github.com/arka-mehta/tierbox/utils/tempfile"
)

func TestTempfileCreator(t *testing.T) {
	tfc := tempfile.NewCreator()

	dir := t.TempDir()

	targetFile := path.Join(dir, "foo")
	tf, random, err := tfc.Create(targetFile)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tf.Name())

	expectedPrefix := targetFile + "-"
	if !strings.HasPrefix(tf.Name(), expectedPrefix) {
		t.Fatalf("expected tempfile %q to have prefix %q", tf.Name(), expectedPrefix)
	}
	if !strings.HasSuffix(tf.Name(), random) {
		t.Fatalf("expected tempfile %q to have suffix %q", tf.Name(), random)
	}
}

func TestTempfileCreatorCollision(t *testing.T) {
	tfc := tempfile.NewCreator()
	dir := t.TempDir()

	targetFile := path.Join(dir, "bar")
	f1, _, err := tfc.Create(targetFile)
	if err != nil {
		t.Fatal(err)
	}
	f1.Close()

	f2, _, err := tfc.Create(targetFile)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f2.Name())
	f2.Close()

	if f1.Name() == f2.Name() {
		t.Fatalf("expected distinct temp file names, got %q twice", f1.Name())
	}
}
