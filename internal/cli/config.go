package cli

import (
	"github.com/xxxsen/romfetch/internal/config"
)

var defaultKeyList = []string{
	"./romfetch.json",
	"./romfetch.toml",
	"/etc/romfetch.json",
}

func LoadConfig(explicit string) (*config.Config, error) {
	keyLists := append([]string{explicit}, defaultKeyList...)
	return config.LoadFirst(keyLists...)
}
