package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/fentz26/parley/internal/models"
	"github.com/spf13/cobra"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage long-term memory",
}

var memoryAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a memory item",
	RunE:  runMemoryAdd,
}

var memoryQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query memory items",
	RunE:  runMemoryQuery,
}

var (
	memContent   string
	memTags      string
	memSessionID string
	memSpeaker   string
	memQuery     string
	memLimit     int
)

func init() {
	memoryCmd.AddCommand(memoryAddCmd, memoryQueryCmd)

	memoryAddCmd.Flags().StringVar(&memContent, "content", "", "Memory content (required)")
	memoryAddCmd.Flags().StringVar(&memTags, "tags", "", "Comma-separated tags")
	memoryAddCmd.Flags().StringVar(&memSessionID, "session", "", "Associated session ID")
	memoryAddCmd.Flags().StringVar(&memSpeaker, "speaker", "", "Who the memory is about")
	memoryAddCmd.MarkFlagRequired("content")

	memoryQueryCmd.Flags().StringVar(&memQuery, "q", "", "Search query")
	memoryQueryCmd.Flags().IntVar(&memLimit, "limit", 20, "Maximum items")
}

func runMemoryAdd(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"content":    memContent,
		"tags":       memTags,
		"session_id": memSessionID,
		"speaker":    memSpeaker,
	}

	resp, err := apiPost("/memory", body)
	if err != nil {
		return err
	}

	var item models.MemoryItem
	if err := json.Unmarshal(resp, &item); err != nil {
		return err
	}

	fmt.Printf("Created memory item: %s\n", item.ID)
	return nil
}

func runMemoryQuery(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(memLimit))
	if memQuery != "" {
		q.Set("q", memQuery)
	}

	resp, err := apiGet("/memory?" + q.Encode())
	if err != nil {
		return err
	}

	var items []models.MemoryItem
	if err := json.Unmarshal(resp, &items); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if len(items) == 0 {
		fmt.Println("No memory items found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSPEAKER\tCONTENT\tTAGS")

	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			truncateID(item.ID),
			item.Speaker,
			truncate(item.Content, 50),
			item.Tags)
	}
	w.Flush()
	return nil
}
