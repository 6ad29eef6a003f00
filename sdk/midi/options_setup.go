package midi

import (
	"github.com/leandrodaf/midibus/internal/config"
	"github.com/leandrodaf/midibus/internal/logger"
	"github.com/leandrodaf/midibus/sdk/contracts"
)

// applyDefaultOptions resolves the options of one selection pass: built-in
// defaults, then the settings file if one is named, then the caller's
// options on top. The settings file is read here and nowhere else.
func applyDefaultOptions(opts ...contracts.Option) (contracts.ClientOptions, error) {
	// A first pass only to learn where the settings live.
	first := &contracts.ClientOptions{}
	for _, opt := range opts {
		opt(first)
	}

	settings, err := config.Load(first.ConfigPath)
	if err != nil {
		return contracts.ClientOptions{}, err
	}

	options := &contracts.ClientOptions{ConfigPath: first.ConfigPath}
	settings.Apply(options)
	for _, opt := range opts {
		opt(options)
	}

	if options.Logger == nil {
		options.Logger = logger.NewZapLogger()
	}
	if options.ClientName == "" {
		options.ClientName = config.Default().ClientName
	}
	options.Logger.SetLevel(options.LogLevel)
	if options.LogFilePath != "" {
		options.Logger.SetDestination(contracts.FileLog, options.LogFilePath)
	}
	return *options, nil
}
