package inference

import "strconv"

// WhisperArgs builds whisper.cpp server arguments.
func WhisperArgs(l Launch, host string, port int) []string {
	args := []string{"-m", l.Model, "--host", host, "--port", strconv.Itoa(port)}
	if !l.GPU {
		args = append(args, "-ng")
	}
	return args
}

// LlamaArgs builds llama.cpp server arguments. All layers are offloaded on
// GPU.
func LlamaArgs(l Launch, host string, port int) []string {
	ngl := "0"
	if l.GPU {
		ngl = "999"
	}
	return []string{
		"-m", l.Model,
		"--host", host,
		"--port", strconv.Itoa(port),
		"-ngl", ngl,
		"-c", "16384",
	}
}
