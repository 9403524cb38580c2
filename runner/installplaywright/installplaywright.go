// Package installplaywright downloads the chromium build the scrape workers
// drive. Meant for build containers and first-time setup.
package installplaywright

import (
	"context"

	"github.com/playwright-community/playwright-go"

	"github.com/eventscope/eventscope/runner"
)

type installer struct{}

func New() (runner.Runner, error) {
	return &installer{}, nil
}

func (i *installer) Run(context.Context) error {
	opts := []*playwright.RunOptions{
		{
			Browsers: []string{"chromium"},
		},
	}

	return playwright.Install(opts...)
}

func (i *installer) Close(context.Context) error {
	return nil
}
