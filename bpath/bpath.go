// Package bpath canonicalizes kernel paths: it resolves "." and ".."
// components without touching the filesystem, the way fd.Cwd_t expects
// a fully-joined path handed to it before any vfs lookup runs.
package bpath

import "github.com/kctherootkey/likeos64/ustr"

// Canonicalize collapses "." and ".." components in an absolute path
// and removes repeated slashes. The result is always absolute.
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	if !p.IsAbsolute() {
		panic("canonicalize needs an absolute path")
	}
	var stack []ustr.Ustr
	rest := p
	for len(rest) > 0 {
		var comp ustr.Ustr
		comp, rest = rest.First()
		if len(comp) == 0 {
			continue
		}
		switch {
		case comp.Isdot():
			continue
		case comp.Isdotdot():
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, comp)
		}
	}
	ret := ustr.MkUstrRoot()
	for i, c := range stack {
		if i > 0 {
			ret = append(ret, '/')
		} else {
			ret = ret[:0]
			ret = append(ret, '/')
		}
		ret = append(ret, c...)
	}
	if len(stack) == 0 {
		return ustr.MkUstrRoot()
	}
	return ret
}

// Split returns the parent directory and final component of an
// absolute, canonical path. The root has no parent; Split("/") returns
// ("/", "").
func Split(p ustr.Ustr) (ustr.Ustr, ustr.Ustr) {
	if len(p) <= 1 {
		return ustr.MkUstrRoot(), ustr.MkUstr()
	}
	idx := -1
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return ustr.MkUstrRoot(), p[idx+1:]
	}
	return p[:idx], p[idx+1:]
}

// IsDevPath reports whether p's first component is "dev", the routing
// rule C6 uses to send a path to the device filesystem instead of the
// root filesystem (spec.md §4.6).
func IsDevPath(p ustr.Ustr) bool {
	first, _ := p.First()
	return first.Eq(ustr.Ustr("dev"))
}
