package main

import (
	"flag"
	"log"

	"github.com/danmuck/addonlink/internal/config"
)

func main() {
	kind := flag.String("kind", "host", "config kind: host|addon")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	path, err := defaultPath(*kind)
	if err != nil {
		log.Fatal(err)
	}

	if *validate {
		if *input != "" {
			path = *input
		}
		switch *kind {
		case "host":
			_, err = config.LoadHostFile(path)
		case "addon":
			_, err = config.LoadAddonFile(path)
		}
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	if *output != "" {
		path = *output
	}
	if err := config.WriteTemplate(path, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, path)
}

func defaultPath(kind string) (string, error) {
	switch kind {
	case "host":
		return "cmd/hostctl/config.toml", nil
	case "addon":
		return "cmd/addonctl/config.toml", nil
	default:
		_, err := config.Template(kind)
		return "", err
	}
}
