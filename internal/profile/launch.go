package profile

import (
	"github.com/treykane/chrome-server/internal/instance"
)

// LaunchOptions converts the profile into orchestrator launch options.
func (d Definition) LaunchOptions() (instance.LaunchOptions, error) {
	chain, err := d.Chain()
	if err != nil {
		return instance.LaunchOptions{}, err
	}
	return instance.LaunchOptions{
		Bind:             d.Bind,
		Port:             d.Port,
		Flags:            d.LaunchFlags(),
		Chain:            chain,
		PACURL:           d.PACURL,
		Extensions:       d.Extensions,
		IgnoreCertErrors: d.IgnoreCertErrors,
	}, nil
}
