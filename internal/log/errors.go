package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/gengirish/training-feedback/internal/xerrors"
)

type hasPC interface {
	PC() uintptr
}

type hasStack interface {
	StackPCs() []uintptr
}

func stackOf(err error) []uintptr {
	var hs hasStack
	if errors.As(err, &hs) && hs != nil {
		return hs.StackPCs()
	}
	return nil
}

// errorAttrs is the key/value set appended to every Error record.
func errorAttrs(err error, links bool, maxLinks int) []any {
	surface, root := classifyTypes(err)
	kv := []any{
		"err", err,
		"error_type", surface,
		"cause_type", root,
	}
	if k := xerrors.KindOf(err); k != xerrors.KindInternal {
		kv = append(kv, "error_kind", k.String())
	}
	if chain := errorChain(err); len(chain) > 1 {
		kv = append(kv, "error_chain", chain)
	}
	if links {
		kv = append(kv, "error_links", chainLinks(err, maxLinks))
	}
	return kv
}

// errorChain lists each distinct message from outermost to root. Wrappers
// that only add a stack or kind repeat their child's message and are skipped.
func errorChain(err error) []string {
	var out []string
	var prev string
	for e := err; e != nil; e = errors.Unwrap(e) {
		if msg := e.Error(); msg != prev {
			out = append(out, msg)
			prev = msg
		}
	}
	if m, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range m.Unwrap() {
			if msg := e.Error(); msg != prev {
				out = append(out, msg)
				prev = msg
			}
		}
	}
	return out
}

// chainLinks locates each layer of the chain in source, up to max layers.
func chainLinks(err error, max int) []map[string]any {
	var links []map[string]any
	depth := 0
	for e := err; e != nil && (max <= 0 || depth < max); e = errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		located := false
		switch v := e.(type) {
		case hasPC:
			located = locate(link, []uintptr{v.PC()})
		case hasStack:
			located = locate(link, v.StackPCs())
		}
		if depth == 0 || located {
			links = append(links, link)
		}
		depth++
	}
	return links
}

func locate(link map[string]any, pcs []uintptr) bool {
	if len(pcs) == 0 || pcs[0] == 0 {
		return false
	}
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if fr.Function != "" && !internalFrame(fr.Function) && !strings.HasPrefix(fr.Function, "runtime.") {
			link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
			return true
		}
		if !more {
			return false
		}
	}
}

// classifyTypes returns the first non-wrapper type in the chain and the root type.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	var last error
	for e := err; e != nil; e = errors.Unwrap(e) {
		last = e
		if surface != "" {
			continue
		}
		t := reflect.TypeOf(e)
		u := t
		for u.Kind() == reflect.Ptr {
			u = u.Elem()
		}
		if strings.HasSuffix(u.PkgPath(), "/internal/xerrors") {
			continue
		}
		if u.PkgPath() == "fmt" && u.Name() == "wrapError" {
			continue
		}
		surface = t.String()
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, fmt.Sprintf("%T", last)
}
