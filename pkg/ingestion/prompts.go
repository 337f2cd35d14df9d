/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ExtractionPromptName names the built-in topology extraction template.
const ExtractionPromptName = "topology_extraction"

// defaultExtractionPrompt ships with the binary so the pipeline works
// without a prompt file.
const defaultExtractionPrompt = `You are analyzing source code to extract a service dependency topology.

Repository: {{.Repository}}
File: {{.Path}}
Language: {{.Language}}

Structural summary:
{{.Summary}}

Source:
{{.Source}}

Return ONLY a JSON object with this shape, no prose:
{
  "services": [{"name": "...", "namespace": "...", "language": "...", "framework": "...", "confidence": 0.0}],
  "calls": [{"from": "...", "to": "...", "confidence": 0.0}],
  "topics": [{"name": "...", "direction": "publishes|consumes", "service": "...", "confidence": 0.0}]
}

Rules:
- Only include services, calls and topics evidenced by the source.
- Use the repository name as namespace when none is evident.
- Confidence is your certainty in [0,1]; omit entries below 0.3.`

// promptFile is the YAML wire shape of a prompt bundle.
type promptFile struct {
	Prompts []struct {
		Name     string `yaml:"name"`
		Version  string `yaml:"version"`
		Template string `yaml:"template"`
	} `yaml:"prompts"`
}

// PromptRegistry resolves named, versioned prompt templates. Templates
// load from a YAML file and can hot-reload on change; built-in defaults
// back any name the file doesn't cover.
type PromptRegistry struct {
	mu        sync.RWMutex
	templates map[string]map[string]string
	path      string
	logger    *zap.Logger
}

// NewPromptRegistry builds a registry seeded with the built-in templates.
// path may be empty when only defaults are wanted.
func NewPromptRegistry(path string, logger *zap.Logger) (*PromptRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &PromptRegistry{
		templates: map[string]map[string]string{
			ExtractionPromptName: {"v1": defaultExtractionPrompt},
		},
		path:   path,
		logger: logger,
	}
	if path != "" {
		if err := r.loadFile(path); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PromptRegistry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading prompt file %s: %w", path, err)
	}
	var pf promptFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parsing prompt file %s: %w", path, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range pf.Prompts {
		if p.Name == "" || p.Version == "" || p.Template == "" {
			return fmt.Errorf("prompt file %s: entries need name, version and template", path)
		}
		if r.templates[p.Name] == nil {
			r.templates[p.Name] = make(map[string]string)
		}
		r.templates[p.Name][p.Version] = p.Template
	}
	return nil
}

// Resolve returns the template for (name, version). An empty version picks
// the highest version string.
func (r *PromptRegistry) Resolve(name, version string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", name)
	}
	if version == "" {
		keys := make([]string, 0, len(versions))
		for v := range versions {
			keys = append(keys, v)
		}
		sort.Strings(keys)
		version = keys[len(keys)-1]
	}
	tmpl, ok := versions[version]
	if !ok {
		return "", fmt.Errorf("prompt %q has no version %q", name, version)
	}
	return tmpl, nil
}

// Render resolves and executes a template with vars.
func (r *PromptRegistry) Render(name, version string, vars map[string]string) (string, error) {
	raw, err := r.Resolve(name, version)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(name).Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing prompt %q: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("rendering prompt %q: %w", name, err)
	}
	return buf.String(), nil
}

// Versions returns the sorted versions registered for name.
func (r *PromptRegistry) Versions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.templates[name]))
	for v := range r.templates[name] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Watch reloads the prompt file whenever it changes, until ctx ends.
// A failed reload keeps the previous templates.
func (r *PromptRegistry) Watch(ctx context.Context) error {
	if r.path == "" {
		return fmt.Errorf("prompt registry has no file to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating prompt watcher: %w", err)
	}
	if err := watcher.Add(r.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watching prompt file %s: %w", r.path, err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.loadFile(r.path); err != nil {
					r.logger.Warn("prompt reload failed; keeping previous templates",
						zap.String("path", r.path),
						zap.Error(err))
					continue
				}
				r.logger.Info("prompt templates reloaded", zap.String("path", r.path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("prompt watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
