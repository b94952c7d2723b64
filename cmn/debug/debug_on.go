//go:build debug

/*
 * Copyright (c) 2024, Gumdrop contributors.
 */
package debug

import (
	"fmt"
	"os"
)

func ON() bool { return true }

func Infof(f string, a ...any) { fmt.Fprintf(os.Stderr, "[DEBUG] "+f+"\n", a...) }

func Func(f func()) { f() }

func Assert(cond bool, a ...any) {
	if !cond {
		panic(fmt.Sprint("assertion failed: ", fmt.Sprint(a...)))
	}
}

func AssertFunc(f func() bool, a ...any) { Assert(f(), a...) }

func AssertNoErr(err error) {
	if err != nil {
		panic(fmt.Sprintf("assertion failed: unexpected error: %v", err))
	}
}

func Assertf(cond bool, f string, a ...any) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+f, a...))
	}
}
