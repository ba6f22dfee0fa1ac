// Command pushimage pushes a Docker image tar archive into an
// unauthenticated v2 registry. It is a thin flag-parsing wrapper
// around pkg/registry, in the style of
// img_tool/cmd/deploy/deploy.go's DeployProcess/DeployWithExtras split.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/cagojeiger/regpush/pkg/registry"
	"github.com/cagojeiger/regpush/pkg/tarimage"
)

func main() {
	ctx := context.Background()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "pushimage: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var (
		registryURL string
		tarPath     string
		repository  string
		reference   string
		allTags     bool
	)

	flagSet := flag.NewFlagSet("pushimage", flag.ContinueOnError)
	flagSet.StringVar(&registryURL, "registry", "", "base URL of the target registry (e.g. http://localhost:5000)")
	flagSet.StringVar(&tarPath, "tar", "", "path to the Docker image tar archive to push")
	flagSet.StringVar(&repository, "repository", "", "repository to push to; defaults to the tar's own RepoTags")
	flagSet.StringVar(&reference, "tag", "", "tag to push as; requires -repository")
	flagSet.BoolVar(&allTags, "all-tags", false, "push under every RepoTags entry recorded in the tar, instead of just the first")

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if registryURL == "" || tarPath == "" {
		flagSet.Usage()
		return fmt.Errorf("-registry and -tar are required")
	}
	if (repository == "") != (reference == "") {
		return fmt.Errorf("-repository and -tag must be given together")
	}

	client, err := registry.New(registryURL)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", registryURL, err)
	}
	defer client.Close()

	src := tarimage.FileSource{Path: tarPath}
	bundle, err := registry.Decode(ctx, src)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", tarPath, err)
	}
	defer bundle.Close()

	switch {
	case repository != "":
		d, err := client.Push(ctx, bundle, repository, reference)
		if err != nil {
			return fmt.Errorf("pushing %s:%s: %w", repository, reference, err)
		}
		fmt.Printf("pushed %s:%s -> %s\n", repository, reference, d)

	case allTags:
		result, err := client.PushWithAllOriginalTags(ctx, bundle)
		for _, r := range result.Results {
			if r.Err != nil {
				fmt.Fprintf(os.Stderr, "  %s:%s failed: %v\n", r.Repository, r.Tag, r.Err)
				continue
			}
			fmt.Printf("  %s:%s -> %s\n", r.Repository, r.Tag, r.Digest)
		}
		if err != nil {
			return fmt.Errorf("one or more tags failed")
		}

	default:
		repo, tag, d, err := client.PushWithFirstOriginalTag(ctx, bundle)
		if err != nil {
			return fmt.Errorf("pushing first original tag: %w", err)
		}
		fmt.Printf("pushed %s:%s -> %s\n", repo, tag, d)
	}

	return nil
}
