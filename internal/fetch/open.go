package fetch

import (
	"fmt"
	"strings"

	logx "postwatch/pkg/logx"
)

type Config struct {
	Driver     string
	TwitterAPI TwitterAPIConfig
	HTML       HTMLConfig
}

// Open builds the configured Fetcher.
func Open(cfg Config, log logx.Logger) (Fetcher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "twitterapi":
		return NewTwitterAPI(cfg.TwitterAPI, log)
	case "html":
		return NewHTMLSnapshot(cfg.HTML, log)
	default:
		return nil, fmt.Errorf("unknown fetch driver %q", cfg.Driver)
	}
}
