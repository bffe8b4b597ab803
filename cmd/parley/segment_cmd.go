package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fentz26/parley/internal/segment"
	"github.com/spf13/cobra"
)

var segmentCmd = &cobra.Command{
	Use:   "segment [text...]",
	Short: "Split text into speakable sentences",
	Long: `Splits text the way streamed replies are split before synthesis. Without
arguments the text is read from stdin as a stream.`,
	RunE: runSegment,
}

func runSegment(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		res := segment.Segment(strings.Join(args, " "))
		for _, s := range res.Sentences {
			fmt.Println(s)
		}
		if rest := strings.TrimSpace(res.Remaining); rest != "" {
			fmt.Printf("(unterminated) %s\n", rest)
		}
		return nil
	}
	return segmentStream(os.Stdin, os.Stdout)
}

// segmentStream feeds r through a Streamer line by line, printing each
// sentence as soon as it is complete.
func segmentStream(r io.Reader, w io.Writer) error {
	st := segment.NewStreamer()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			for _, s := range st.Push(line) {
				fmt.Fprintln(w, s)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	for _, s := range st.Flush() {
		fmt.Fprintln(w, s)
	}
	return nil
}
