package resume

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoparser "github.com/cloudwego/eino/components/document/parser"

	"job-agent-go/internal/logger"
)

// PDFExtractor 从PDF文件提取纯文本
type PDFExtractor struct {
	parser *pdf.PDFParser
}

// NewPDFExtractor 初始化eino PDF解析器。
// 不按页分割，整个文档作为单个连续文本返回。
func NewPDFExtractor(ctx context.Context) (*PDFExtractor, error) {
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{ToPages: false})
	if err != nil {
		return nil, fmt.Errorf("创建PDF解析器失败: %w", err)
	}
	return &PDFExtractor{parser: p}, nil
}

// ExtractText 从PDF字节流提取全文
func (e *PDFExtractor) ExtractText(ctx context.Context, data []byte, uri string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	docs, err := e.parser.Parse(ctx, bytes.NewReader(data), einoparser.WithURI(uri))
	if err != nil {
		return "", fmt.Errorf("PDF解析失败 (%s): %w", uri, err)
	}
	if len(docs) == 0 {
		return "", fmt.Errorf("PDF解析无结果 (%s)", uri)
	}

	var sb strings.Builder
	for i, doc := range docs {
		sb.WriteString(doc.Content)
		if i < len(docs)-1 {
			sb.WriteString("\n\n")
		}
	}
	text := sb.String()

	logger.Ctx(ctx).Debug().
		Str("uri", uri).
		Int("chars", len(text)).
		Dur("duration", time.Since(start)).
		Msg("PDF文本提取完成")
	return text, nil
}
