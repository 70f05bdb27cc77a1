package hub

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Selection is the outcome of resolving a variant expression against a
// repository file listing.
type Selection struct {
	// Files are the weight files to download, in shard order.
	Files []RepoFile
	// MMProj is the multimodal projector file, when the repository ships
	// one alongside the weights.
	MMProj *RepoFile
	// Aux are small companion files (tokenizer and config metadata) that
	// ride along with variant-filtered downloads.
	Aux []RepoFile
}

// auxFileNames are companion files included with every GGUF pull so
// engines that read tokenizer metadata find it in the snapshot.
var auxFileNames = map[string]struct{}{
	"config.json":            {},
	"generation_config.json": {},
	"tokenizer.json":         {},
	"tokenizer_config.json":  {},
}

// SelectVariant resolves which GGUF files a variant expression refers to.
// The expression takes one of these forms:
//
//   - "*"            every GGUF file in the repository
//   - "file.gguf"    that exact file
//   - ""             the first GGUF that is not a projector
//   - "Q4_K_M"       the single GGUF whose name contains the quantization
//   - "folder"       every GGUF under that directory (sharded models)
func SelectVariant(files []RepoFile, variant string) (*Selection, error) {
	ggufs := make([]RepoFile, 0, len(files))
	var mmproj *RepoFile
	var aux []RepoFile
	for i, f := range files {
		if f.Type != "" && f.Type != "file" {
			continue
		}
		if _, ok := auxFileNames[path.Base(f.Path)]; ok {
			aux = append(aux, f)
		}
		if !strings.HasSuffix(strings.ToLower(f.Path), ".gguf") {
			continue
		}
		if isMMProj(f.Path) {
			if mmproj == nil {
				mmproj = &files[i]
			}
			continue
		}
		ggufs = append(ggufs, f)
	}
	sort.Slice(ggufs, func(i, j int) bool { return ggufs[i].Path < ggufs[j].Path })

	// Repositories without GGUF weights (ONNX style checkpoints) are
	// downloaded whole.
	if len(ggufs) == 0 {
		var all []RepoFile
		for _, f := range files {
			if f.Type != "" && f.Type != "file" {
				continue
			}
			all = append(all, f)
		}
		if len(all) == 0 {
			return nil, fmt.Errorf("repository contains no files")
		}
		return &Selection{Files: all}, nil
	}

	sel := &Selection{MMProj: mmproj, Aux: aux}
	switch {
	case variant == "*":
		sel.Files = ggufs
	case strings.HasSuffix(strings.ToLower(variant), ".gguf"):
		for _, f := range ggufs {
			if f.Path == variant || path.Base(f.Path) == variant {
				sel.Files = []RepoFile{f}
				break
			}
		}
		if len(sel.Files) == 0 {
			return nil, fmt.Errorf("file %q not found in repository", variant)
		}
	case variant == "":
		sel.Files = ggufs[:1]
	default:
		// Folder prefix first: sharded repositories store one variant per
		// directory.
		var inFolder []RepoFile
		for _, f := range ggufs {
			if strings.HasPrefix(f.Path, variant+"/") {
				inFolder = append(inFolder, f)
			}
		}
		if len(inFolder) > 0 {
			sel.Files = inFolder
			break
		}

		// Otherwise treat the variant as a quantization name, which must
		// identify exactly one file.
		var matches []RepoFile
		for _, f := range ggufs {
			if strings.Contains(strings.ToLower(path.Base(f.Path)), strings.ToLower(variant)) {
				matches = append(matches, f)
			}
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("variant %q matches no GGUF file", variant)
		}
		if len(matches) > 1 {
			names := make([]string, len(matches))
			for i, m := range matches {
				names[i] = m.Path
			}
			return nil, fmt.Errorf("variant %q is ambiguous, matches: %s", variant, strings.Join(names, ", "))
		}
		sel.Files = matches
	}
	return sel, nil
}

func isMMProj(p string) bool {
	return strings.HasPrefix(strings.ToLower(path.Base(p)), "mmproj")
}
