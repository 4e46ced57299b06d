package tasks_test

import (
	"context"
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/renkulab/capacity-agent/internal/cluster"
	"github.com/renkulab/capacity-agent/internal/matching"
	"github.com/renkulab/capacity-agent/internal/models"
	"github.com/renkulab/capacity-agent/internal/observer"
	"github.com/renkulab/capacity-agent/internal/placeholder"
	"github.com/renkulab/capacity-agent/internal/tasks"
)

func buildTaskScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())
	scheme.AddKnownTypeWithName(observer.DefaultSessionGVK, &unstructured.Unstructured{})
	scheme.AddKnownTypeWithName(
		observer.DefaultSessionGVK.GroupVersion().WithKind(observer.DefaultSessionGVK.Kind+"List"),
		&unstructured.UnstructuredList{},
	)
	metav1.AddToGroupVersion(scheme, observer.DefaultSessionGVK.GroupVersion())
	return scheme
}

func newSession(name, projectID, priorityClass, cpu, memory string, createdAt time.Time) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(observer.DefaultSessionGVK)
	obj.SetName(name)
	obj.SetNamespace("renku-sessions")
	obj.SetCreationTimestamp(metav1.NewTime(createdAt))
	if projectID != "" {
		obj.SetAnnotations(map[string]string{observer.DefaultProjectAnnotation: projectID})
	}

	spec := map[string]interface{}{}
	if priorityClass != "" {
		spec["priorityClassName"] = priorityClass
	}
	if cpu != "" || memory != "" {
		spec["session"] = map[string]interface{}{
			"resources": map[string]interface{}{
				"requests": map[string]interface{}{"cpu": cpu, "memory": memory},
			},
		}
	}
	obj.Object["spec"] = spec
	return obj
}

func mustBuildDeployment(reservation models.CapacityReservation, occurrence models.Occurrence) *appsv1.Deployment {
	GinkgoHelper()
	deployment, err := placeholder.BuildDeployment(reservation, occurrence)
	Expect(err).NotTo(HaveOccurred())
	return deployment
}

var _ = Describe("MonitorTask", func() {
	var (
		ctx        context.Context
		store      *fakeStore
		fakeClient client.Client
		conn       *cluster.Connection
		task       *tasks.MonitorTask
		t0         time.Time
		now        time.Time
	)

	reservation := models.CapacityReservation{
		ID: "res-1",
		Provisioning: models.ReservationProvisioning{
			PlaceholderCount:  5,
			PriorityClassName: "reserved",
			CPURequest:        "2",
			MemoryRequest:     "4Gi",
		},
	}

	newTask := func(objects ...client.Object) {
		fakeClient = fake.NewClientBuilder().WithScheme(buildTaskScheme()).WithObjects(objects...).Build()
		conn = cluster.NewConnectionWithClient(fakeClient, "local", "renku-sessions")
		task = &tasks.MonitorTask{
			Store:    store,
			Cluster:  conn,
			Observer: observer.New(),
			Matcher:  matching.New(rand.NewSource(1)),
			Now:      func() time.Time { return now },
		}
	}

	activeOccurrence := func(id string) models.Occurrence {
		return models.Occurrence{
			ID:             id,
			ReservationID:  "res-1",
			StartsAt:       t0,
			EndsAt:         t0.Add(2 * time.Hour),
			State:          models.StateActive,
			DeploymentName: placeholder.DeploymentName(id),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		t0 = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
		now = t0.Add(30 * time.Minute)
		store = newFakeStore()
		store.addReservation(reservation)
	})

	It("completes expired occurrences and removes their deployments", func() {
		occurrence := activeOccurrence("OCC-1")
		store.addOccurrence(occurrence)
		deployment := mustBuildDeployment(reservation, occurrence)
		deployment.Namespace = "renku-sessions"
		newTask(deployment)

		now = t0.Add(2*time.Hour + time.Second)
		Expect(task.Run(ctx)).To(Succeed())

		Expect(store.occurrences["OCC-1"].State).To(Equal(models.StateCompleted))

		err := fakeClient.Get(ctx, types.NamespacedName{
			Name:      occurrence.DeploymentName,
			Namespace: "renku-sessions",
		}, &appsv1.Deployment{})
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
	})

	It("completes an expired occurrence even when its deployment name is absent", func() {
		occurrence := activeOccurrence("OCC-1")
		occurrence.DeploymentName = ""
		store.addOccurrence(occurrence)
		newTask()

		now = t0.Add(3 * time.Hour)
		Expect(task.Run(ctx)).To(Succeed())
		Expect(store.occurrences["OCC-1"].State).To(Equal(models.StateCompleted))
	})

	It("rescales still-active occurrences based on matched sessions", func() {
		occurrence := activeOccurrence("OCC-1")
		store.addOccurrence(occurrence)
		deployment := mustBuildDeployment(reservation, occurrence)
		deployment.Namespace = "renku-sessions"
		newTask(deployment,
			newSession("s1", "", "reserved", "", "", t0.Add(5*time.Minute)),
			newSession("s2", "", "reserved", "", "", t0.Add(10*time.Minute)),
		)

		Expect(task.Run(ctx)).To(Succeed())

		scaled := &appsv1.Deployment{}
		Expect(fakeClient.Get(ctx, types.NamespacedName{
			Name:      occurrence.DeploymentName,
			Namespace: "renku-sessions",
		}, scaled)).To(Succeed())
		Expect(*scaled.Spec.Replicas).To(Equal(int32(3)))
		Expect(store.occurrences["OCC-1"].State).To(Equal(models.StateActive))
	})

	It("matches sessions by project template ahead of other criteria", func() {
		templateID := "tmpl-a"
		templated := reservation
		templated.ID = "res-2"
		templated.Provisioning.PriorityClassName = "bulk"
		templated.Matching = models.ReservationMatching{ProjectTemplateID: &templateID}
		store.addReservation(templated)

		other := activeOccurrence("OCC-1")
		occurrence := models.Occurrence{
			ID:             "OCC-2",
			ReservationID:  "res-2",
			StartsAt:       t0,
			EndsAt:         t0.Add(2 * time.Hour),
			State:          models.StateActive,
			DeploymentName: placeholder.DeploymentName("OCC-2"),
		}
		store.addOccurrence(other)
		store.addOccurrence(occurrence)
		store.templates["proj-1"] = &templateID

		d1 := mustBuildDeployment(reservation, other)
		d1.Namespace = "renku-sessions"
		d2 := mustBuildDeployment(templated, occurrence)
		d2.Namespace = "renku-sessions"

		// The session's priority class uniquely fits OCC-1's reservation,
		// but its project template pins it to OCC-2.
		newTask(d1, d2, newSession("s1", "proj-1", "reserved", "", "", t0.Add(time.Minute)))

		Expect(task.Run(ctx)).To(Succeed())

		scaledOther := &appsv1.Deployment{}
		Expect(fakeClient.Get(ctx, types.NamespacedName{Name: other.DeploymentName, Namespace: "renku-sessions"}, scaledOther)).To(Succeed())
		Expect(*scaledOther.Spec.Replicas).To(Equal(int32(5)))

		scaledTemplated := &appsv1.Deployment{}
		Expect(fakeClient.Get(ctx, types.NamespacedName{Name: occurrence.DeploymentName, Namespace: "renku-sessions"}, scaledTemplated)).To(Succeed())
		Expect(*scaledTemplated.Spec.Replicas).To(Equal(int32(4)))
	})

	It("keeps occurrences with a missing reservation active and untouched", func() {
		occurrence := activeOccurrence("OCC-1")
		occurrence.ReservationID = "res-missing"
		store.addOccurrence(occurrence)
		deployment := mustBuildDeployment(reservation, occurrence)
		deployment.Namespace = "renku-sessions"
		newTask(deployment)

		Expect(task.Run(ctx)).To(Succeed())

		Expect(store.occurrences["OCC-1"].State).To(Equal(models.StateActive))
		untouched := &appsv1.Deployment{}
		Expect(fakeClient.Get(ctx, types.NamespacedName{
			Name:      occurrence.DeploymentName,
			Namespace: "renku-sessions",
		}, untouched)).To(Succeed())
		Expect(*untouched.Spec.Replicas).To(Equal(int32(5)))
	})

	It("skips rescaling an active occurrence without a deployment name", func() {
		occurrence := activeOccurrence("OCC-1")
		occurrence.DeploymentName = ""
		store.addOccurrence(occurrence)
		newTask()

		Expect(task.Run(ctx)).To(Succeed())
		Expect(store.occurrences["OCC-1"].State).To(Equal(models.StateActive))
	})

	It("does nothing when no occurrences are active", func() {
		newTask()
		Expect(task.Run(ctx)).To(Succeed())
	})
})
