package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Chain is an ordered list of processors applied one after another.
type Chain struct {
	descriptors []Descriptor
	logger      *logrus.Logger
}

// NewChain resolves names against the registry. Unknown names fail with
// ErrUnknownProcessor. A nil logger means the standard logger.
func (r *Registry) NewChain(names []string, logger *logrus.Logger) (*Chain, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Chain{logger: logger}
	for _, name := range names {
		d, err := r.Lookup(name)
		if err != nil {
			return nil, err
		}
		c.descriptors = append(c.descriptors, d)
	}
	return c, nil
}

// Len returns the number of processors in the chain.
func (c *Chain) Len() int {
	return len(c.descriptors)
}

// DifferentPerServer reports whether any processor that would handle path
// produces destination-specific output.
func (c *Chain) DifferentPerServer(path string) bool {
	for _, d := range c.descriptors {
		if d.DifferentPerServer && d.WouldProcess(path) {
			return true
		}
	}
	return false
}

// Run applies every processor that would handle the current file, in
// order, and returns the final output. A processor returning
// ErrMissingRootMetadata is skipped; any other error stops the chain.
func (c *Chain) Run(ctx context.Context, in Input) (string, error) {
	current := in.File
	for _, d := range c.descriptors {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !d.WouldProcess(current) {
			continue
		}

		step := in
		step.File = current
		out, err := d.New().Run(ctx, step)
		if errors.Is(err, ErrMissingRootMetadata) {
			c.logger.WithFields(logrus.Fields{
				"path":      in.OriginalFile,
				"processor": d.Name,
			}).Info("Skipping processor: source has no document root or base path")
			continue
		}
		if err != nil {
			return "", fmt.Errorf("processor %s failed on %s: %w", d.Name, current, err)
		}
		current = out
	}
	return current, nil
}
