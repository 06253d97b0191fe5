package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"ExtensionHub/sdk/go/hubclient"
)

func main() {
	baseURL := os.Getenv("EXTHUB_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client, err := hubclient.NewClient(baseURL, nil)
	if err != nil {
		panic(err)
	}
	client.SetToken(os.Getenv("EXTHUB_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := client.Submit(ctx, hubclient.Manifest{
		Name:        "hello-notes",
		Version:     "0.1.0",
		Description: "demo submission from the Go SDK",
		Category:    "examples",
		Runtime:     "JAR",
		Permissions: []string{"notes.read"},
		Subscribes:  []string{"note.created"},
	}, hubclient.Developer{Name: "demo", Email: "demo@example.com"}, "hello-notes.jar", strings.NewReader("demo artifact"))
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted %s (status=%s)\n", sub.ID, sub.Status)
	for _, msg := range sub.ValidationErrors {
		fmt.Printf("  error: %s\n", msg)
	}
	for _, msg := range sub.ValidationWarnings {
		fmt.Printf("  warning: %s\n", msg)
	}

	stats, err := client.Statistics(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("submissions=%d plugins=%v\n", stats.Submissions.Total, stats.PluginsByState)
}
