// chunkpreview 本地预览文件的提取与分块结果，不连接任何后端
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aihub/docindex/internal/chunking"
	"github.com/aihub/docindex/internal/entities"
	"github.com/aihub/docindex/internal/extraction"
)

func main() {
	var (
		input   = flag.String("input", "", "输入文件路径（必需）")
		format  = flag.String("format", "", "格式提示，默认取文件扩展名")
		size    = flag.Int("size", 800, "chunk size in runes")
		overlap = flag.Int("overlap", 100, "chunk overlap in runes")
		minSize = flag.Int("min", 0, "texts shorter than this are never split")
		asJSON  = flag.Bool("json", false, "print chunks as JSON")
	)
	flag.Parse()

	if *input == "" {
		fmt.Fprintf(os.Stderr, "错误: 必须指定输入文件路径 (-input)\n")
		flag.Usage()
		os.Exit(1)
	}
	hint := *format
	if hint == "" {
		hint = filepath.Ext(*input)
	}

	data, err := os.ReadFile(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 读取文件失败: %v\n", err)
		os.Exit(1)
	}

	res, err := extraction.NewExtractor().Extract(context.Background(), data, hint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 提取失败: %v\n", err)
		os.Exit(1)
	}

	deriver := entities.NewDeriver(0)
	id := strings.TrimSuffix(filepath.Base(*input), filepath.Ext(*input))
	chunks, err := chunking.Split(id, 1, res.Text, res.Structure,
		chunking.Options{Size: *size, Overlap: *overlap, MinSize: *minSize})
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 分块失败: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(chunks); err != nil {
			fmt.Fprintf(os.Stderr, "错误: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("format=%s  text=%d runes  sections=%d  chunks=%d\n",
		res.Format, len([]rune(res.Text)), len(res.Structure.Sections), len(chunks))
	for _, c := range chunks {
		fmt.Println(strings.Repeat("-", 80))
		fmt.Printf("#%d [%d,%d) %s", c.Ordinal, c.Start, c.End, c.ID)
		if c.Section != "" {
			fmt.Printf("  section=%q", c.Section)
		}
		if c.Page > 0 {
			fmt.Printf("  page=%d", c.Page)
		}
		fmt.Println()
		if found := deriver.Extract(c.Text); len(found) > 0 {
			names := make([]string, len(found))
			for i, e := range found {
				names[i] = e.Type + ":" + e.Name
			}
			fmt.Printf("entities: %s\n", strings.Join(names, ", "))
		}
		fmt.Println(c.Text)
	}
}
