package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// CSVSink writes each sheet to <Dir>/<sheet>.csv
type CSVSink struct {
	Dir    string
	Logger *logrus.Logger
}

// Put writes one sheet file, creating Dir when needed
func (s *CSVSink) Put(_ context.Context, sheet string, body []byte) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	name := filepath.Join(s.Dir, sheet+".csv")
	if err := os.WriteFile(name, body, 0o644); err != nil {
		return err
	}
	if s.Logger != nil {
		s.Logger.Infof("Saving the file %s", name)
	}
	return nil
}
