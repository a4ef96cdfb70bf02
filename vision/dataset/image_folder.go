// Package dataset loads labeled image collections from disk.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/go-finetune/vision/preprocessing"
)

// ImageFolder is a dataset rooted at a directory where each subdirectory
// is one class:
//
//	root/
//	  beagle/img001.jpg
//	  beagle/img002.jpg
//	  poodle/img001.jpg
//
// Class indices are assigned in sorted directory-name order, so the
// label mapping is stable across runs and machines. Images are decoded
// lazily, one Sample call at a time, and the processor is safe for the
// loader's concurrent workers.
type ImageFolder struct {
	samplePaths []string
	labels      []int
	classNames  []string
	classToIdx  map[string]int
	processor   *preprocessing.Processor
}

var defaultExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// NewImageFolder scans root for class subdirectories and their images.
func NewImageFolder(root string, processor *preprocessing.Processor) (*ImageFolder, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset root: %v", err)
	}

	folder := &ImageFolder{
		classToIdx: make(map[string]int),
		processor:  processor,
	}

	var classDirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			classDirs = append(classDirs, entry.Name())
		}
	}
	sort.Strings(classDirs)

	for _, className := range classDirs {
		files, err := os.ReadDir(filepath.Join(root, className))
		if err != nil {
			return nil, fmt.Errorf("failed to read class directory %s: %v", className, err)
		}

		classIdx := -1
		for _, file := range files {
			if file.IsDir() || !defaultExtensions[strings.ToLower(filepath.Ext(file.Name()))] {
				continue
			}
			if classIdx < 0 {
				// Only directories that actually contain images become
				// classes, so an empty directory cannot shift the label
				// mapping.
				classIdx = len(folder.classNames)
				folder.classNames = append(folder.classNames, className)
				folder.classToIdx[className] = classIdx
			}
			folder.samplePaths = append(folder.samplePaths, filepath.Join(root, className, file.Name()))
			folder.labels = append(folder.labels, classIdx)
		}
	}

	if len(folder.samplePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	return folder, nil
}

// Len returns the number of images.
func (d *ImageFolder) Len() int { return len(d.samplePaths) }

// Dim returns the flattened feature length per image.
func (d *ImageFolder) Dim() int { return d.processor.Dim() }

// NumClasses returns the number of classes found.
func (d *ImageFolder) NumClasses() int { return len(d.classNames) }

// Label returns the class index of the image at idx.
func (d *ImageFolder) Label(idx int) int { return d.labels[idx] }

// Labels returns a copy of all labels, in dataset order.
func (d *ImageFolder) Labels() []int {
	labels := make([]int, len(d.labels))
	copy(labels, d.labels)
	return labels
}

// Sample decodes and preprocesses the image at idx.
func (d *ImageFolder) Sample(idx int) ([]float32, int, error) {
	if idx < 0 || idx >= len(d.samplePaths) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.samplePaths))
	}
	features, err := d.processor.ProcessFile(d.samplePaths[idx])
	if err != nil {
		return nil, 0, err
	}
	return features, d.labels[idx], nil
}

// ClassNames returns the class names in label order.
func (d *ImageFolder) ClassNames() []string { return d.classNames }

// ClassDistribution returns the sample count per class name.
func (d *ImageFolder) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// String summarizes the dataset for logging.
func (d *ImageFolder) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ImageFolder: %d samples, %d classes\n", len(d.samplePaths), len(d.classNames))
	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		fmt.Fprintf(&sb, "  %s: %d samples\n", className, dist[className])
	}
	return sb.String()
}
