// Package workload translates monitor records into Kubernetes workloads and
// keeps the two in sync. One monitor maps to one single-replica Deployment
// named monitor-<id> plus one Secret monitor-<id>-secrets carrying the
// decrypted secret material; the relational row never sees plaintext.
package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	"github.com/vigil/backend/internal/core"
)

// Workload status values reported by Status.
const (
	StatusRunning  = "running"
	StatusStarting = "starting"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

// AgentPort is the fixed port collection agents expose their health probes on.
const AgentPort = 8090

// Status is the cluster-side view of one monitor workload.
type Status struct {
	Status        string      `json:"status"`
	ReadyReplicas int32       `json:"ready_replicas"`
	TotalReplicas int32       `json:"total_replicas"`
	Conditions    []Condition `json:"conditions,omitempty"`
}

// Condition mirrors the deployment conditions relevant to callers.
type Condition struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ImageResolver selects the collection-agent image for a monitor type.
type ImageResolver func(monitorType string) string

// Manager applies, stops and inspects monitor workloads.
type Manager struct {
	client         kubernetes.Interface
	namespace      string
	imageFor       ImageResolver
	sampleEndpoint string
}

// NewManager builds a manager for the given namespace. The namespace is
// created lazily on first apply.
func NewManager(client kubernetes.Interface, namespace string, imageFor ImageResolver, sampleEndpoint string) *Manager {
	return &Manager{
		client:         client,
		namespace:      namespace,
		imageFor:       imageFor,
		sampleEndpoint: sampleEndpoint,
	}
}

// WorkloadName derives the deployment name for a monitor.
func WorkloadName(monitorID string) string {
	return "monitor-" + monitorID
}

// SecretName derives the per-monitor secret object name.
func SecretName(monitorID string) string {
	return WorkloadName(monitorID) + "-secrets"
}

// Apply upserts the per-monitor secret object, then the deployment. Both
// upserts are create-if-absent-else-update, so calling Apply twice with the
// same monitor converges on the same workload.
func (m *Manager) Apply(ctx context.Context, monitor *core.Monitor, plaintextSecrets map[string]string) (string, error) {
	if err := m.ensureNamespace(ctx); err != nil {
		return "", err
	}

	if len(plaintextSecrets) > 0 {
		if err := m.upsertSecret(ctx, monitor.ID, plaintextSecrets); err != nil {
			return "", err
		}
	}

	name := WorkloadName(monitor.ID)
	desired, err := m.deploymentSpec(monitor)
	if err != nil {
		return "", err
	}

	deployments := m.client.AppsV1().Deployments(m.namespace)
	existing, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := deployments.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return "", fmt.Errorf("create deployment %s: %w", name, err)
		}
		slog.Info("created monitor workload", "workload", name)
		return name, nil
	}
	if err != nil {
		return "", fmt.Errorf("get deployment %s: %w", name, err)
	}

	existing.Labels = desired.Labels
	existing.Spec = desired.Spec
	if _, err := deployments.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return "", fmt.Errorf("update deployment %s: %w", name, err)
	}
	slog.Info("updated monitor workload", "workload", name)
	return name, nil
}

// Stop deletes the workload, then best-effort deletes the secret object.
func (m *Manager) Stop(ctx context.Context, workloadID string) error {
	err := m.client.AppsV1().Deployments(m.namespace).Delete(ctx, workloadID, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete deployment %s: %w", workloadID, err)
	}

	secretName := workloadID + "-secrets"
	if err := m.client.CoreV1().Secrets(m.namespace).Delete(ctx, secretName, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		slog.Warn("failed to delete workload secret", "secret", secretName, "error", err)
	}

	slog.Info("stopped monitor workload", "workload", workloadID)
	return nil
}

// Status reads the deployment and maps it onto the workload status contract:
// running iff ready == desired > 0.
func (m *Manager) Status(ctx context.Context, workloadID string) (*Status, error) {
	dep, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, workloadID, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return &Status{Status: StatusNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment %s: %w", workloadID, err)
	}

	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	ready := dep.Status.ReadyReplicas

	st := &Status{
		ReadyReplicas: ready,
		TotalReplicas: desired,
		Status:        StatusStarting,
	}
	if desired > 0 && ready == desired {
		st.Status = StatusRunning
	}
	for _, c := range dep.Status.Conditions {
		st.Conditions = append(st.Conditions, Condition{
			Type:   string(c.Type),
			Status: string(c.Status),
			Reason: c.Reason,
		})
	}
	return st, nil
}

func (m *Manager) ensureNamespace(ctx context.Context) error {
	_, err := m.client.CoreV1().Namespaces().Get(ctx, m.namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("get namespace %s: %w", m.namespace, err)
	}

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: m.namespace}}
	if _, err := m.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create namespace %s: %w", m.namespace, err)
	}
	return nil
}

func (m *Manager) upsertSecret(ctx context.Context, monitorID string, values map[string]string) error {
	name := SecretName(monitorID)
	desired := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: m.namespace,
			Labels:    map[string]string{"app": "monitor", "monitor_id": monitorID},
		},
		StringData: values,
	}

	secrets := m.client.CoreV1().Secrets(m.namespace)
	existing, err := secrets.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := secrets.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create secret %s: %w", name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get secret %s: %w", name, err)
	}

	existing.StringData = values
	existing.Data = nil // StringData wins; drop stale encoded entries
	if _, err := secrets.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update secret %s: %w", name, err)
	}
	return nil
}

// deploymentSpec builds the full desired deployment for a monitor: one
// replica, fixed small resources, health probes on the agent port, config
// serialized into the environment and secret material via envFrom.
func (m *Manager) deploymentSpec(monitor *core.Monitor) (*appsv1.Deployment, error) {
	configJSON, err := json.Marshal(monitor.Config)
	if err != nil {
		return nil, fmt.Errorf("serialize monitor config: %w", err)
	}

	name := WorkloadName(monitor.ID)
	labels := map[string]string{
		"app":          "monitor",
		"monitor_id":   monitor.ID,
		"user_id":      monitor.UserID,
		"monitor_type": monitor.MonitorType,
	}
	replicas := int32(1)

	container := corev1.Container{
		Name:  "monitor",
		Image: m.imageFor(monitor.MonitorType),
		Env: []corev1.EnvVar{
			{Name: "MONITOR_ID", Value: monitor.ID},
			{Name: "CONFIG", Value: string(configJSON)},
			{Name: "SAMPLE_STORE_URL", Value: m.sampleEndpoint},
		},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("50m"),
				corev1.ResourceMemory: resource.MustParse("64Mi"),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("100m"),
				corev1.ResourceMemory: resource.MustParse("128Mi"),
			},
		},
		LivenessProbe:  httpProbe("/health"),
		ReadinessProbe: httpProbe("/ready"),
	}
	if len(monitor.SecretRefs) > 0 {
		container.EnvFrom = []corev1.EnvFromSource{{
			SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: SecretName(monitor.ID)},
			},
		}}
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: m.namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"monitor_id": monitor.ID}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
				},
			},
		},
	}, nil
}

func httpProbe(path string) *corev1.Probe {
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path: path,
				Port: intstr.FromInt32(AgentPort),
			},
		},
		InitialDelaySeconds: 5,
		PeriodSeconds:       15,
	}
}
