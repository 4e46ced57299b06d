// Package cluster wraps access to the target Kubernetes clusters placeholder
// Deployments live on. Each reservation names its target cluster by a fixed
// identifier; the registry maps that identifier to a connection.
package cluster

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// listPageSize bounds one page of a paginated List call.
const listPageSize = 200

// Connection is a handle to one target cluster: a direct (uncached) client
// plus the namespace placeholder Deployments and sessions live in.
type Connection struct {
	client    client.Client
	clusterID string
	namespace string
}

// NewConnection builds a connection from a rest.Config. The client is
// uncached: creates return as soon as the API server acknowledges them,
// with no watch cache to wait on.
func NewConnection(cfg *rest.Config, scheme *runtime.Scheme, clusterID, namespace string) (*Connection, error) {
	c, err := client.New(cfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster client: %w", err)
	}
	return &Connection{client: c, clusterID: clusterID, namespace: namespace}, nil
}

// NewConnectionFromKubeconfig builds a connection to a remote cluster from a
// kubeconfig file path.
func NewConnectionFromKubeconfig(kubeconfigPath string, scheme *runtime.Scheme, clusterID, namespace string) (*Connection, error) {
	cfg, err := loadKubeconfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig for cluster %s: %w", clusterID, err)
	}
	return NewConnection(cfg, scheme, clusterID, namespace)
}

// NewConnectionWithClient wraps an existing client; used by tests with the
// controller-runtime fake client.
func NewConnectionWithClient(c client.Client, clusterID, namespace string) *Connection {
	return &Connection{client: c, clusterID: clusterID, namespace: namespace}
}

// loadKubeconfig loads kubeconfig from file, expanding a leading ~.
func loadKubeconfig(kubeconfigPath string) (*rest.Config, error) {
	if len(kubeconfigPath) >= 2 && kubeconfigPath[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		kubeconfigPath = filepath.Join(home, kubeconfigPath[2:])
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

// ClusterID returns the fixed identifier this connection is registered under.
func (c *Connection) ClusterID() string { return c.clusterID }

// Namespace returns the namespace managed objects live in.
func (c *Connection) Namespace() string { return c.namespace }

// List streams objects of the given kind in the connection's namespace,
// optionally filtered by labels. Pages are fetched lazily with
// Limit/Continue so callers never hold more than one page of manifests.
// A list error is yielded once and terminates the sequence.
func (c *Connection) List(ctx context.Context, gvk schema.GroupVersionKind, matchLabels map[string]string) iter.Seq2[*unstructured.Unstructured, error] {
	return func(yield func(*unstructured.Unstructured, error) bool) {
		continueToken := ""
		for {
			list := &unstructured.UnstructuredList{}
			list.SetGroupVersionKind(schema.GroupVersionKind{
				Group:   gvk.Group,
				Version: gvk.Version,
				Kind:    gvk.Kind + "List",
			})

			opts := []client.ListOption{
				client.InNamespace(c.namespace),
				client.Limit(listPageSize),
			}
			if len(matchLabels) > 0 {
				opts = append(opts, client.MatchingLabels(matchLabels))
			}
			if continueToken != "" {
				opts = append(opts, client.Continue(continueToken))
			}

			if err := c.client.List(ctx, list, opts...); err != nil {
				yield(nil, fmt.Errorf("failed to list %s: %w", gvk.Kind, err))
				return
			}

			for i := range list.Items {
				if !yield(&list.Items[i], nil) {
					return
				}
			}

			continueToken = list.GetContinue()
			if continueToken == "" {
				return
			}
		}
	}
}

// CreateDeployment creates a Deployment in the connection's namespace. The
// call returns once the API server accepts the object.
func (c *Connection) CreateDeployment(ctx context.Context, deployment *appsv1.Deployment) error {
	deployment.Namespace = c.namespace
	if err := c.client.Create(ctx, deployment); err != nil {
		return fmt.Errorf("failed to create deployment %s: %w", deployment.Name, err)
	}
	return nil
}

// ScaleDeployment patches only spec.replicas of the named Deployment.
func (c *Connection) ScaleDeployment(ctx context.Context, name string, replicas int32) error {
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: c.namespace},
	}
	patch := client.RawPatch(types.MergePatchType,
		[]byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)))
	if err := c.client.Patch(ctx, deployment, patch); err != nil {
		return fmt.Errorf("failed to scale deployment %s: %w", name, err)
	}
	return nil
}

// DeleteDeployment deletes the named Deployment. A Deployment that is
// already gone counts as success so that interrupted passes converge.
func (c *Connection) DeleteDeployment(ctx context.Context, name string) error {
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: c.namespace},
	}
	if err := client.IgnoreNotFound(c.client.Delete(ctx, deployment)); err != nil {
		return fmt.Errorf("failed to delete deployment %s: %w", name, err)
	}
	return nil
}

// Registry maps fixed cluster identifiers to connections.
type Registry struct {
	connections map[string]*Connection
}

// NewRegistry builds a registry over the given connections.
func NewRegistry(connections ...*Connection) *Registry {
	r := &Registry{connections: make(map[string]*Connection, len(connections))}
	for _, conn := range connections {
		r.connections[conn.ClusterID()] = conn
	}
	return r
}

// ByID resolves a cluster identifier to its connection.
func (r *Registry) ByID(clusterID string) (*Connection, error) {
	conn, ok := r.connections[clusterID]
	if !ok {
		return nil, fmt.Errorf("unknown cluster id %q", clusterID)
	}
	return conn, nil
}
