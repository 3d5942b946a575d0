package transcoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"hdr-transcoder/pkg/models"
)

// Result summarizes a finished job.
type Result struct {
	Track    models.TrackFormat
	Profile  models.OutputProfile
	Attempts []Attempt
	Output   string
}

// Execute runs job to completion on a fresh session. Cancelling ctx resets
// the session and returns ctx.Err().
func (e *Engine) Execute(ctx context.Context, job models.JobSpec, l Listener) (Result, error) {
	// 1. The output directory must exist before the muxer is created.
	if dir := filepath.Dir(job.Config.DstPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Result{}, fmt.Errorf("create output dir: %w", err)
		}
	}

	// 2. One session per job.
	s := e.NewSession(job.Source, SessionOptions{ID: job.JobID, Listener: l})
	defer s.Release()

	if err := s.Prepare(); err != nil {
		return Result{}, err
	}
	res := Result{Track: s.Track()}

	// 3. Negotiate and start; failures here are final.
	if err := s.Start(job.Config); err != nil {
		res.Attempts = s.Attempts()
		return res, err
	}
	res.Attempts = s.Attempts()
	res.Profile = s.Profile()

	e.log.Info("job started", "job", job.JobID, "level", res.Profile.Level, "attempts", len(res.Attempts))

	// 4. Block until the run ends or the caller gives up.
	if err := s.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			s.Reset()
			return res, ctx.Err()
		}
		return res, err
	}
	res.Output = job.Config.DstPath
	return res, nil
}
