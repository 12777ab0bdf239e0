package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	GestureFile = "gesture.txt"
	SensorFile  = "sensor_data.txt"
)

// Mirror writes the published text values to files for readers that poll the
// filesystem. Each write replaces the file atomically.
type Mirror struct {
	dir string
}

func NewMirror(dir string) (*Mirror, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create publish dir %s: %w", dir, err)
	}
	return &Mirror{dir: dir}, nil
}

func (m *Mirror) WriteGesture(text string) error {
	return m.replace(GestureFile, text)
}

func (m *Mirror) WriteSensor(text string) error {
	return m.replace(SensorFile, text)
}

func (m *Mirror) replace(name, text string) error {
	tmp, err := os.CreateTemp(m.dir, name+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(text); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(m.dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}
