package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lemonade-sdk/lemonade/pkg/hub"
	"github.com/lemonade-sdk/lemonade/pkg/models"
)

type pullFlags struct {
	checkpoint string
	recipe     string
	reasoning  bool
	vision     bool
	embedding  bool
	reranking  bool
	mmproj     string
}

func newPullCmd() *cobra.Command {
	flags := &pullFlags{}

	cmd := &cobra.Command{
		Use:   "pull MODEL",
		Short: "Download a model's artifacts without serving it",
		Long: `Download a model's artifacts into the local cache. Unknown model names
prefixed with "user." are registered on the fly when --checkpoint is given.

Examples:
  lemonade-server pull Qwen3-0.6B-GGUF
  lemonade-server pull user.my-model --checkpoint org/repo:Q4_K_M --recipe llamacpp`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(cmd, args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.checkpoint, "checkpoint", "", "Checkpoint reference for registering a user model")
	cmd.Flags().StringVar(&flags.recipe, "recipe", "", "Engine recipe for a user model (llamacpp, flm)")
	cmd.Flags().BoolVar(&flags.reasoning, "reasoning", false, "Label the user model as a reasoning model")
	cmd.Flags().BoolVar(&flags.vision, "vision", false, "Label the user model as a vision model")
	cmd.Flags().BoolVar(&flags.embedding, "embedding", false, "Label the user model as an embedding model")
	cmd.Flags().BoolVar(&flags.reranking, "reranking", false, "Label the user model as a reranking model")
	cmd.Flags().StringVar(&flags.mmproj, "mmproj", "", "Multimodal projector file for a vision model")

	return cmd
}

func (f *pullFlags) labels() []string {
	var labels []string
	if f.reasoning {
		labels = append(labels, models.LabelReasoning)
	}
	if f.vision {
		labels = append(labels, models.LabelVision)
	}
	if f.embedding {
		labels = append(labels, models.LabelEmbeddings)
	}
	if f.reranking {
		labels = append(labels, models.LabelReranking)
	}
	return labels
}

func runPull(cmd *cobra.Command, name string, flags *pullFlags) error {
	if err := initRuntime(0); err != nil {
		return err
	}

	if _, known := registry.Lookup(name); !known && flags.checkpoint != "" {
		recipe := flags.recipe
		if recipe == "" {
			recipe = models.RecipeLlamaCPP
		}
		err := registry.RegisterUser(models.Descriptor{
			Name:       name,
			Checkpoint: flags.checkpoint,
			Recipe:     recipe,
			Labels:     flags.labels(),
			MMProj:     flags.mmproj,
		})
		if err != nil {
			return err
		}
	}

	d, ok := registry.Lookup(name)
	if !ok {
		return fmt.Errorf("model %q not found; run \"lemonade-server list\"", name)
	}
	backend, ok := backends[d.Recipe]
	if !ok {
		return fmt.Errorf("no backend for recipe %q", d.Recipe)
	}

	cmd.Printf("Pulling %s (%s)\n", d.Name, d.Checkpoint)

	onProgress := func(p hub.Progress) {
		fmt.Fprintf(os.Stdout, "\r%s [%d/%d] %.1f%%    ",
			p.File, p.FileIndex+1, p.TotalFiles, p.Percent())
	}
	if err := backend.PullModel(cmd.Context(), d, onProgress); err != nil {
		fmt.Fprintln(os.Stdout)
		return fmt.Errorf("pulling model: %w", err)
	}
	fmt.Fprintln(os.Stdout)
	cmd.Printf("Model pulled successfully: %s\n", d.Name)
	return nil
}
