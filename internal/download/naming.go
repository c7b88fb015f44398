package download

import (
	"path"
	"path/filepath"
	"strings"
)

// UnknownName is shown when a job carries neither metadata nor file paths.
const UnknownName = "(unknown)"

// InferName picks a display name for a job: the torrent name when present,
// else the last segment of the longest common path prefix of its files,
// else the first file's base name.
func InferName(files []File, bt *BitTorrent) string {
	if bt != nil && bt.Info.Name != "" {
		return bt.Info.Name
	}
	if len(files) == 0 {
		return UnknownName
	}

	var parts [][]string
	for _, f := range files {
		if f.Path != "" {
			parts = append(parts, splitSegments(f.Path))
		}
	}

	first := baseName(files[0].Path)
	if len(parts) == 0 {
		return orUnknown(first)
	}

	common := parts[0]
	for _, p := range parts[1:] {
		n := 0
		for n < len(common) && n < len(p) && common[n] == p[n] {
			n++
		}
		common = common[:n]
	}

	if len(common) == 0 {
		return orUnknown(first)
	}
	if last := common[len(common)-1]; last != "/" {
		return last
	}
	return orUnknown(first)
}

// splitSegments splits a slash path into segments. An absolute path starts
// with a "/" segment so that only real directory names can win.
func splitSegments(p string) []string {
	var segs []string
	if strings.HasPrefix(p, "/") {
		segs = append(segs, "/")
	}
	for s := range strings.SplitSeq(p, "/") {
		if s != "" && s != "." {
			segs = append(segs, s)
		}
	}
	return segs
}

func baseName(p string) string {
	if p == "" {
		return ""
	}
	b := path.Base(p)
	if b == "/" || b == "." {
		return ""
	}
	return b
}

func orUnknown(name string) string {
	if name == "" {
		return UnknownName
	}
	return name
}

// DestinationFolder returns the parent of the first file relative to root,
// as a slash path starting with "/". Any failure yields "/".
func DestinationFolder(root string, files []File) string {
	if len(files) == 0 || files[0].Path == "" {
		return "/"
	}

	parent := filepath.Dir(filepath.Clean(files[0].Path))
	rel, err := filepath.Rel(filepath.Clean(root), parent)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "/"
	}

	return "/" + strings.Trim(filepath.ToSlash(rel), "/")
}
