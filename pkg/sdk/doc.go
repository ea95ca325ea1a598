// Package sdk is the extension ABI between the plugin runner and plugin modules.
//
// A module is built with -buildmode=plugin and exports a Register function:
//
//	func Register(r *sdk.Registry) {
//		r.RegisterType("Contoso.Plugins.AccountPreCreate", sdk.Constructors{
//			WithConfig: func(unsecure string) (sdk.Plugin, error) {
//				return &AccountPreCreate{prefix: unsecure}, nil
//			},
//		})
//		r.RegisterStep(sdk.StepRegistration{
//			TypeName:    "Contoso.Plugins.AccountPreCreate",
//			MessageName: "Create",
//			EntityName:  "account",
//			Stage:       sdk.StagePreOperation,
//		})
//	}
//
// At execution time the runner builds an ExecutionContext, instantiates the type with
// the richest constructor it declares and calls Plugin.Execute with a ServiceProvider
// whose OrganizationService honours the active execution mode.
//
// Runtime records use a closed set of value kinds: scalars (string, bool, int32, int64,
// float64, uuid.UUID, time.Time, apd.Decimal), Money, OptionSetValue,
// OptionSetValueCollection, EntityReference, EntityReferenceCollection, *Entity,
// EntityCollection and AliasedValue. CloneValue copies each of them deeply.
package sdk
