package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"capstan/internal/secrets"
)

// secretctl writes project secrets into the encrypted store used by the
// deployment engine. Values are injected into step environments at checkout.
func main() {
	file := flag.String("file", os.Getenv("CAPSTAN_SECRETS_FILE"), "path to the secret store file")
	key := flag.String("key", os.Getenv("CAPSTAN_SECRETS_KEY"), "hex-encoded 32-byte store key")
	project := flag.String("project", "", "project ID")
	name := flag.String("name", "", "secret name")
	value := flag.String("value", "", "secret value")
	flag.Parse()

	if *file == "" || *key == "" {
		log.Fatal("secret store file and key are required (-file/-key or CAPSTAN_SECRETS_FILE/CAPSTAN_SECRETS_KEY)")
	}
	if *project == "" || *name == "" || *value == "" {
		fmt.Println("Usage: secretctl -project=<id> -name=<NAME> -value=<value>")
		os.Exit(1)
	}

	store, err := secrets.NewStore(*file, *key)
	if err != nil {
		log.Fatalf("could not open secret store: %v", err)
	}

	if err := store.Set(context.Background(), *project, *name, *value); err != nil {
		log.Fatalf("could not store secret: %v", err)
	}

	fmt.Printf("secret %s set for project %s\n", *name, *project)
}
