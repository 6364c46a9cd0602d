// Package koyeb manages apps and services on the container host.
package koyeb

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"shipline/internal/provider/rest"
)

const DomainStatusActive = "ACTIVE"

type Client struct {
	REST *rest.Client
}

func New(c *rest.Client) *Client { return &Client{REST: c} }

type Domain struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

type App struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Domains []Domain `json:"domains"`
}

type Service struct {
	ID                 string `json:"id"`
	AppID              string `json:"app_id"`
	Name               string `json:"name"`
	Status             string `json:"status"`
	LatestDeploymentID string `json:"latest_deployment_id"`
	ActiveDeploymentID string `json:"active_deployment_id"`
}

type EnvVar struct {
	Scope []string `json:"scope,omitempty"`
	Key   string   `json:"key"`
	Value string   `json:"value"`
}

type GitSource struct {
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
}

type InstanceType struct {
	Type string `json:"type"`
}

type Scaling struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type ServiceDefinition struct {
	Type          string         `json:"type"`
	Name          string         `json:"name"`
	Git           GitSource      `json:"git"`
	Regions       []string       `json:"regions,omitempty"`
	InstanceTypes []InstanceType `json:"instance_types,omitempty"`
	Scalings      []Scaling      `json:"scalings,omitempty"`
	Env           []EnvVar       `json:"env,omitempty"`
}

func (c *Client) CreateApp(ctx context.Context, name string) (App, error) {
	var out struct {
		App App `json:"app"`
	}
	if err := c.REST.Do(ctx, http.MethodPost, "/v1/apps", nil, map[string]string{"name": name}, &out); err != nil {
		return App{}, fmt.Errorf("create app %s: %w", name, err)
	}
	return out.App, nil
}

func (c *Client) GetApp(ctx context.Context, id string) (App, error) {
	var out struct {
		App App `json:"app"`
	}
	if err := c.REST.Do(ctx, http.MethodGet, "/v1/apps/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return App{}, fmt.Errorf("get app %s: %w", id, err)
	}
	return out.App, nil
}

func (c *Client) DeleteApp(ctx context.Context, id string) error {
	if err := c.REST.Do(ctx, http.MethodDelete, "/v1/apps/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return fmt.Errorf("delete app %s: %w", id, err)
	}
	return nil
}

func (c *Client) CreateService(ctx context.Context, appID string, def ServiceDefinition) (Service, error) {
	var out struct {
		Service Service `json:"service"`
	}
	body := map[string]any{"app_id": appID, "definition": def}
	if err := c.REST.Do(ctx, http.MethodPost, "/v1/services", nil, body, &out); err != nil {
		return Service{}, fmt.Errorf("create service %s: %w", def.Name, err)
	}
	return out.Service, nil
}

func (c *Client) GetService(ctx context.Context, id string) (Service, error) {
	var out struct {
		Service Service `json:"service"`
	}
	if err := c.REST.Do(ctx, http.MethodGet, "/v1/services/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return Service{}, fmt.Errorf("get service %s: %w", id, err)
	}
	return out.Service, nil
}

func (c *Client) DeleteService(ctx context.Context, id string) error {
	if err := c.REST.Do(ctx, http.MethodDelete, "/v1/services/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return fmt.Errorf("delete service %s: %w", id, err)
	}
	return nil
}

func (c *Client) RedeployService(ctx context.Context, id string) error {
	if err := c.REST.Do(ctx, http.MethodPost, "/v1/services/"+url.PathEscape(id)+"/redeploy", nil, map[string]any{}, nil); err != nil {
		return fmt.Errorf("redeploy service %s: %w", id, err)
	}
	return nil
}

// ActiveDomain returns the first domain whose status is ACTIVE.
func (a App) ActiveDomain() (Domain, bool) {
	for _, d := range a.Domains {
		if d.Status == DomainStatusActive {
			return d, true
		}
	}
	return Domain{}, false
}
